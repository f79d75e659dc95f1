package dirstore

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression codec names accepted by WithCompression and recorded in entry
// metadata.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// codec encodes entry bodies on the way to disk and decodes them on the way
// back. The codec used for an entry is recorded in its metadata, so a store
// keeps serving old entries after its configured codec changes.
type codec interface {
	name() string
	newWriter(w io.Writer) io.WriteCloser
	newReader(r io.Reader) (io.ReadCloser, error)
}

func codecFor(name string) (codec, error) {
	switch name {
	case "", CompressionNone:
		return noneCodec{}, nil
	case CompressionLZ4:
		return lz4Codec{}, nil
	case CompressionZstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("dirstore: unknown compression codec %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) name() string { return CompressionNone }

func (noneCodec) newWriter(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }

func (noneCodec) newReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type lz4Codec struct{}

func (lz4Codec) name() string { return CompressionLZ4 }

func (lz4Codec) newWriter(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) }

func (lz4Codec) newReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

type zstdCodec struct{}

func (zstdCodec) name() string { return CompressionZstd }

func (zstdCodec) newWriter(w io.Writer) io.WriteCloser {
	// NewWriter only fails on invalid options; none are passed.
	enc, _ := zstd.NewWriter(w)
	return enc
}

func (zstdCodec) newReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("dirstore: open zstd reader: %w", err)
	}
	return dec.IOReadCloser(), nil
}
