package zkassurance

import (
	"bytes"
	"io"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// writerTo is satisfied by gnark's proof/key types (groth16.Proof,
// groth16.VerifyingKey), which serialize via WriteTo rather than
// encoding.BinaryMarshaler.
type writerTo interface {
	WriteTo(w io.Writer) (int64, error)
}

func marshalTo(v writerTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := v.WriteTo(&buf); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "serialize gnark artifact")
	}
	return buf.Bytes(), nil
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
