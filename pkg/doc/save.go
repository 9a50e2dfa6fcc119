package doc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var saveMagic = []byte("GSYN")

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(1<<30))
	})
	return decoder
}

// Save encodes the full document, including changes still waiting for their
// dependencies. Replicas holding the same changes produce identical bytes.
func (d *Doc) Save() []byte {
	d.mu.RLock()
	all := make([]*Change, 0, len(d.log)+len(d.pending))
	all = append(all, d.log...)
	for _, c := range d.pending {
		all = append(all, c)
	}
	d.mu.RUnlock()

	sortChanges(all)
	out := append([]byte(nil), saveMagic...)
	return zstdEncoder().EncodeAll(encodeDelta(all), out)
}

// Load restores a document written by Save. Local changes made afterwards are
// attributed to origin, which should be the origin the document was saved with
// or a fresh one.
func Load(data []byte, origin string, opts ...Option) (*Doc, error) {
	if !bytes.HasPrefix(data, saveMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptState)
	}
	raw, err := zstdDecoder().DecodeAll(data[len(saveMagic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress: %w", ErrCorruptState, err)
	}
	changes, err := decodeDelta(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	d := New(origin, opts...)
	d.mu.Lock()
	res, _ := d.merge(changes)
	d.mu.Unlock()
	d.logger.Debug("loaded document", "origin", origin, "changes", res.Applied, "pending", res.Pending)
	return d, nil
}

// Merge pulls every change of other into d.
func (d *Doc) Merge(other *Doc) (ApplyResult, error) {
	return d.ApplyDelta(other.GenerateDelta(d.Version()))
}
