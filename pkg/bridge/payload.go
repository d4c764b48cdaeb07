package bridge

import (
	"encoding/base64"

	"github.com/pkg/errors"
)

// EncodePayload turns raw bytes into the text-safe form carried by data
// events and write commands.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return b, nil
}
