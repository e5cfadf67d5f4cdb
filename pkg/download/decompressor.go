package download

import (
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
)

// Format is a supported archive-transport compression format. The registry
// serves gzipped tars and the legacy registry serves zips; nothing in this
// module ever produces bzip2/xz, so they are not wired here.
type Format string

const (
	FormatNone Format = ""
	FormatGzip Format = "gz"
)

// DetectFormat returns the compression format implied by filename's
// extension.
func DetectFormat(filename string) Format {
	switch filepath.Ext(filename) {
	case ".gz", ".tgz":
		return FormatGzip
	default:
		return FormatNone
	}
}

// Decompress wraps r in a streaming decompressor for format. Callers read
// from the returned reader directly rather than materializing an
// intermediate file, since both of this module's consumers (registry tar.gz
// archives, the legacy zip path uses archive/zip instead) want to walk
// entries as they stream in.
func Decompress(format Format, r io.Reader) (io.Reader, error) {
	switch format {
	case FormatGzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported decompression format %q", format)
	}
}
