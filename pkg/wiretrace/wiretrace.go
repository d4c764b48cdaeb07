// Package wiretrace records bridged traffic as a pcap file. The OS owns the
// real segments, so each connection is rendered as a synthetic IPv4/TCP
// flow: a handshake when it opens, one segment per chunk of data, and a FIN
// exchange when it closes.
package wiretrace

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"tcpbridge/pkg/bridge"
)

const (
	TcpHeaderLen         = header.TCPMinimumSize
	TcpPseudoHeaderLen   = 12
	IpProtoTcp           = header.TCPProtocolNumber
	MaxVirtualPacketSize = 1360

	pcapMagic    = 0xa1b2c3d4
	linkTypeRaw  = 101
	snapLen      = 65535
	windowSize   = 65535
	recordHeader = 16
)

type flow struct {
	local, remote netip.AddrPort
	sndNxt        uint32 // next local sequence number
	rcvNxt        uint32 // next remote sequence number
}

// Writer implements tcpstack.Tracer. Flows with a non-IPv4 end are skipped.
type Writer struct {
	Logger *slog.Logger

	mu      sync.Mutex
	out     *bufio.Writer
	file    io.Closer
	flows   map[bridge.ID]*flow
	now     func() time.Time
	packets int
	err     error
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	t := &Writer{
		out:   bufio.NewWriter(w),
		flows: make(map[bridge.ID]*flow),
		now:   time.Now,
	}
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeRaw)
	if _, err := t.out.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	if err := t.out.Flush(); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return t, nil
}

// Create opens path for writing and returns a Writer on it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create trace")
	}
	t, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.file = f
	return t, nil
}

func (t *Writer) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Close flushes buffered packets and closes the file opened by Create.
func (t *Writer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.out.Flush()
	if t.file != nil {
		if cerr := t.file.Close(); err == nil {
			err = cerr
		}
		t.file = nil
	}
	return err
}

// Packets is the number of packets written so far.
func (t *Writer) Packets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}

func (t *Writer) Opened(id bridge.ID, local, remote netip.AddrPort, outbound bool) {
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !local.Addr().Is4() || !remote.Addr().Is4() {
		t.logger().Debug("not tracing non-IPv4 flow", "id", id, "local", local, "remote", remote)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f := &flow{local: local, remote: remote, sndNxt: rand.Uint32(), rcvNxt: rand.Uint32()}
	t.flows[id] = f

	if outbound {
		t.write(local, remote, f.sndNxt, 0, header.TCPFlagSyn, nil)
		t.write(remote, local, f.rcvNxt, f.sndNxt+1, header.TCPFlagSyn|header.TCPFlagAck, nil)
		f.sndNxt++
		f.rcvNxt++
		t.write(local, remote, f.sndNxt, f.rcvNxt, header.TCPFlagAck, nil)
	} else {
		t.write(remote, local, f.rcvNxt, 0, header.TCPFlagSyn, nil)
		t.write(local, remote, f.sndNxt, f.rcvNxt+1, header.TCPFlagSyn|header.TCPFlagAck, nil)
		f.sndNxt++
		f.rcvNxt++
		t.write(remote, local, f.rcvNxt, f.sndNxt, header.TCPFlagAck, nil)
	}
	t.flush()
}

// Segment records payload, split at MaxVirtualPacketSize.
func (t *Writer) Segment(id bridge.ID, outbound bool, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if !ok {
		return
	}
	for len(payload) > 0 {
		n := min(len(payload), MaxVirtualPacketSize)
		chunk := payload[:n]
		payload = payload[n:]
		if outbound {
			t.write(f.local, f.remote, f.sndNxt, f.rcvNxt, header.TCPFlagPsh|header.TCPFlagAck, chunk)
			f.sndNxt += uint32(n)
		} else {
			t.write(f.remote, f.local, f.rcvNxt, f.sndNxt, header.TCPFlagPsh|header.TCPFlagAck, chunk)
			f.rcvNxt += uint32(n)
		}
	}
	t.flush()
}

func (t *Writer) Closed(id bridge.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	if !ok {
		return
	}
	delete(t.flows, id)
	t.write(f.local, f.remote, f.sndNxt, f.rcvNxt, header.TCPFlagFin|header.TCPFlagAck, nil)
	t.write(f.remote, f.local, f.rcvNxt, f.sndNxt+1, header.TCPFlagFin|header.TCPFlagAck, nil)
	t.write(f.local, f.remote, f.sndNxt+1, f.rcvNxt+1, header.TCPFlagAck, nil)
	t.flush()
}

// must hold t.mu
func (t *Writer) flush() {
	if t.err != nil {
		return
	}
	if err := t.out.Flush(); err != nil {
		t.err = err
		t.logger().Warn("trace disabled", "err", err)
	}
}

// write appends one packet record. must hold t.mu
func (t *Writer) write(src, dst netip.AddrPort, seq, ack uint32, flags uint8, payload []byte) {
	if t.err != nil {
		return
	}
	packet, err := buildPacket(src, dst, seq, ack, flags, payload)
	if err != nil {
		t.logger().Warn("cannot build trace packet", "err", err)
		return
	}
	ts := t.now()
	var rec [recordHeader]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(packet)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(packet)))
	if _, err := t.out.Write(rec[:]); err != nil {
		t.err = err
		return
	}
	if _, err := t.out.Write(packet); err != nil {
		t.err = err
		return
	}
	t.packets++
}

func buildPacket(src, dst netip.AddrPort, seq, ack uint32, flags uint8, payload []byte) ([]byte, error) {
	tcpHdr := &header.TCPFields{
		SrcPort:       src.Port(),
		DstPort:       dst.Port(),
		SeqNum:        seq,
		AckNum:        ack,
		DataOffset:    TcpHeaderLen,
		Flags:         flags,
		WindowSize:    windowSize,
		Checksum:      0,
		UrgentPointer: 0,
	}
	tcpHdr.Checksum = ComputeTCPChecksum(tcpHdr, src.Addr(), dst.Addr(), payload)
	hBytes := make(header.TCP, TcpHeaderLen)
	hBytes.Encode(tcpHdr)
	segment := append([]byte(hBytes), payload...)

	ipHdr, err := constructIPHeader(src.Addr(), dst.Addr(), uint8(IpProtoTcp), segment)
	if err != nil {
		return nil, err
	}
	return append(ipHdr, segment...), nil
}

func constructIPHeader(src netip.Addr, dst netip.Addr, protoNum uint8, payload []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      20, // no options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(payload),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      64,
		Protocol: int(protoNum),
		Checksum: 0, // computed over the marshalled header below
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}

	hBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ip header")
	}
	hdr.Checksum = int(ComputeChecksum(hBytes))
	hBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ip header")
	}
	return hBytes, nil
}

func ComputeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

func ValidateChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}

// ComputeTCPChecksum covers the IPv4 pseudo header, the TCP header and the
// payload.
func ComputeTCPChecksum(tcpHdr *header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)
	copy(pseudoHeaderBytes[0:4], sourceIP.AsSlice())
	copy(pseudoHeaderBytes[4:8], destIP.AsSlice())
	pseudoHeaderBytes[8] = uint8(0)
	pseudoHeaderBytes[9] = uint8(IpProtoTcp)
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(TcpHeaderLen+len(payload)))

	headerBytes := header.TCP(make([]byte, TcpHeaderLen))
	headerBytes.Encode(tcpHdr)

	// chain the partial sums through netstack's initial value argument
	pseudoHeaderChecksum := header.Checksum(pseudoHeaderBytes, 0)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)
	fullChecksum := header.Checksum(payload, headerChecksum)
	return fullChecksum ^ 0xffff
}

// ParseTCPHeader reads the fixed TCP header at the start of b.
func ParseTCPHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Checksum:   td.Checksum(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
	}
}
