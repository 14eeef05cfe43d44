package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

type ParquetCompression string

const (
	ParquetCompressionNone   ParquetCompression = ""
	ParquetCompressionSnappy ParquetCompression = "snappy"
	ParquetCompressionGzip   ParquetCompression = "gzip"
	ParquetCompressionZstd   ParquetCompression = "zstd"
)

// ParquetEncoder writes records as a single parquet file. Column layout comes
// from the parquet struct tags of iType.
type ParquetEncoder[iType any] struct {
	options []parquet.WriterOption
}

func NewParquetEncoder[iType any](compression ParquetCompression) (*ParquetEncoder[iType], error) {
	options := make([]parquet.WriterOption, 0, 1)

	switch compression {
	case ParquetCompressionNone:
	case ParquetCompressionSnappy:
		options = append(options, parquet.Compression(&parquet.Snappy))
	case ParquetCompressionGzip:
		options = append(options, parquet.Compression(&parquet.Gzip))
	case ParquetCompressionZstd:
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", compression)
	}

	return &ParquetEncoder[iType]{options: options}, nil
}

func (e *ParquetEncoder[iType]) FileExtension() string { return ".parquet" }

func (e *ParquetEncoder[iType]) ContentType() string { return "application/vnd.apache.parquet" }

func (e *ParquetEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var output bytes.Buffer
	w := parquet.NewGenericWriter[iType](&output, e.options...)

	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}
