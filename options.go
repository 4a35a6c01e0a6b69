package kitfox

import (
	"fmt"
	"time"
)

// File is an image submitted for processing together with the metadata the
// caller knows about it.
type File struct {
	Name         string
	Data         []byte
	MIMEType     string // declared type, may be wrong or empty
	LastModified time.Time
}

// Identity returns the cache identity of f.
func (f File) Identity() FileIdentity {
	return FileIdentity{Name: f.Name, Size: int64(len(f.Data)), LastModified: f.LastModified}
}

// Operation selects what a work item does with its file.
type Operation string

const (
	OpCompress Operation = "compress"
	OpConvert  Operation = "convert"
)

// CompressOptions configures a compress operation. With TargetBytes set the
// result is guaranteed to be strictly smaller than TargetBytes; otherwise a
// single encode at Quality is performed.
type CompressOptions struct {
	TargetBytes  int64   `cbor:"1,keyasint,omitempty" yaml:"target_bytes"`
	OutputFormat string  `cbor:"2,keyasint,omitempty" yaml:"output_format"` // format name, empty keeps input format
	MaxWidth     int     `cbor:"3,keyasint,omitempty" yaml:"max_width"`
	MaxHeight    int     `cbor:"4,keyasint,omitempty" yaml:"max_height"`
	Quality      float64 `cbor:"5,keyasint,omitempty" yaml:"quality"` // used without TargetBytes, default 0.8
}

// ConvertOptions configures a convert operation.
type ConvertOptions struct {
	OutputFormat string  `cbor:"1,keyasint" yaml:"output_format"`
	Quality      float64 `cbor:"2,keyasint,omitempty" yaml:"quality"` // default 0.9
	MaxWidth     int     `cbor:"3,keyasint,omitempty" yaml:"max_width"`
	MaxHeight    int     `cbor:"4,keyasint,omitempty" yaml:"max_height"`
	// Strict fails instead of falling back when the codec cannot write
	// OutputFormat.
	Strict bool `cbor:"5,keyasint,omitempty" yaml:"strict"`
}

// Request describes one unit of work for Engine.Process.
type Request struct {
	Operation Operation
	Compress  *CompressOptions
	Convert   *ConvertOptions
	Priority  int32
}

// Validate checks that the options required by the operation are present.
func (r Request) Validate() error {
	switch r.Operation {
	case OpCompress:
		if r.Compress == nil {
			return fmt.Errorf("kitfox: compress request without options")
		}
		if r.Compress.TargetBytes < 0 {
			return fmt.Errorf("kitfox: negative target size %d", r.Compress.TargetBytes)
		}
		if q := r.Compress.Quality; q < 0 || q > 1 {
			return fmt.Errorf("kitfox: quality %.2f out of range [0, 1]", q)
		}
	case OpConvert:
		if r.Convert == nil || r.Convert.OutputFormat == "" {
			return fmt.Errorf("kitfox: convert request without output format")
		}
		if q := r.Convert.Quality; q < 0 || q > 1 {
			return fmt.Errorf("kitfox: quality %.2f out of range [0, 1]", q)
		}
	default:
		return fmt.Errorf("kitfox: unknown operation %q", r.Operation)
	}
	return nil
}

// cacheOptions returns the value hashed into the cache key for r.
func (r Request) cacheOptions() any {
	switch r.Operation {
	case OpCompress:
		return struct {
			Op Operation        `cbor:"1,keyasint"`
			O  *CompressOptions `cbor:"2,keyasint"`
		}{r.Operation, r.Compress}
	default:
		return struct {
			Op Operation       `cbor:"1,keyasint"`
			O  *ConvertOptions `cbor:"2,keyasint"`
		}{r.Operation, r.Convert}
	}
}
