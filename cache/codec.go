package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

const (
	encodingIdentity = ""
	encodingBrotli   = "br"

	defaultCompressThreshold = 1024
)

type envelope struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Encoding string      `json:"encoding,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Codec turns snapshots into bytes for persistent stores. Bodies above the
// threshold are brotli-compressed unless the upstream already encoded them.
type Codec struct {
	threshold int
	level     int
}

func NewCodec(threshold int) *Codec {
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	return &Codec{threshold: threshold, level: brotli.DefaultCompression}
}

func (c *Codec) Encode(snapshot *types.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, types.ErrInvalidParameter
	}

	env := envelope{
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		Body:     snapshot.Body,
		StoredAt: snapshot.StoredAt,
	}

	if len(snapshot.Body) >= c.threshold && snapshot.Header.Get("Content-Encoding") == "" {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, c.level)
		if _, err := w.Write(snapshot.Body); err != nil {
			return nil, types.WrapError(err, "failed to compress body")
		}
		if err := w.Close(); err != nil {
			return nil, types.WrapError(err, "failed to compress body")
		}

		if buf.Len() < len(snapshot.Body) {
			env.Body = buf.Bytes()
			env.Encoding = encodingBrotli
		}
	}

	data, err := utils.Marshal(&env)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal snapshot")
	}

	return data, nil
}

func (c *Codec) Decode(data []byte) (*types.Snapshot, error) {
	var env envelope
	if err := utils.Unmarshal(data, &env); err != nil {
		return nil, types.Errorf(types.ErrSnapshotCorrupted, "%v", err)
	}

	body := env.Body

	switch env.Encoding {
	case encodingIdentity:
	case encodingBrotli:
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(env.Body)))
		if err != nil {
			return nil, types.Errorf(types.ErrSnapshotCorrupted, "brotli: %v", err)
		}
		body = decoded
	default:
		return nil, types.Errorf(types.ErrSnapshotCorrupted, "unknown encoding %q", env.Encoding)
	}

	if env.Header == nil {
		env.Header = make(http.Header)
	}

	if body == nil {
		body = []byte{}
	}

	return &types.Snapshot{
		Status:   env.Status,
		Header:   env.Header,
		Body:     body,
		StoredAt: env.StoredAt,
	}, nil
}
