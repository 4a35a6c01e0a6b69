package kitfox

import (
	"bytes"
	"path/filepath"
	"slices"
	"strings"
)

// SniffLen is the number of leading bytes Identify examines.
const SniffLen = 64

// Category groups formats by how their pixels are represented.
type Category string

const (
	CategoryRaster Category = "raster"
	CategoryVector Category = "vector"
	CategoryRaw    Category = "raw"
	CategoryDesign Category = "design"
)

// CompressionKind describes whether a format stores pixels lossily.
type CompressionKind string

const (
	Lossy    CompressionKind = "lossy"
	Lossless CompressionKind = "lossless"
	Both     CompressionKind = "both"
)

// FormatDescriptor describes a classified image encoding.
type FormatDescriptor struct {
	Name        string
	MIMEType    string
	Extension   string
	Category    Category
	Compression CompressionKind
	Features    []string
	Supported   bool
}

// String returns the format name.
func (d FormatDescriptor) String() string { return d.Name }

// HasFeature reports whether the format advertises the named feature.
func (d FormatDescriptor) HasFeature(name string) bool {
	return slices.Contains(d.Features, name)
}

type catalogEntry struct {
	mime        string
	category    Category
	compression CompressionKind
	features    []string
}

var catalog = map[string]catalogEntry{
	"jpeg": {"image/jpeg", CategoryRaster, Lossy, []string{"small-size", "wide-support"}},
	"png":  {"image/png", CategoryRaster, Lossless, []string{"transparency", "animation"}},
	"webp": {"image/webp", CategoryRaster, Both, []string{"modern", "small-size", "animation", "transparency"}},
	"gif":  {"image/gif", CategoryRaster, Lossless, []string{"animation", "transparency", "legacy"}},
	"bmp":  {"image/bmp", CategoryRaster, Lossless, []string{"uncompressed", "large-size"}},
	"tiff": {"image/tiff", CategoryRaster, Both, []string{"professional", "multi-page", "metadata"}},
	"avif": {"image/avif", CategoryRaster, Both, []string{"modern", "ultra-small", "hdr"}},
	"heif": {"image/heif", CategoryRaster, Lossy, []string{"apple", "small-size", "hdr"}},
	"svg":  {"image/svg+xml", CategoryVector, Lossless, []string{"scalable", "small-size", "web"}},
	"psd":  {"image/vnd.adobe.photoshop", CategoryDesign, Lossless, []string{"layers", "professional", "large-size"}},
	"cr2":  {"image/x-canon-cr2", CategoryRaw, Lossless, []string{"professional", "unprocessed", "large-size"}},
	"dng":  {"image/x-adobe-dng", CategoryRaw, Lossless, []string{"adobe", "professional", "standard"}},
}

var (
	inputFormats  = []string{"jpeg", "jpg", "png", "webp", "avif", "heif", "heic", "gif", "bmp", "tiff", "svg", "psd", "raw", "dng", "cr2"}
	outputFormats = []string{"jpeg", "png", "webp", "avif", "bmp", "gif", "tiff"}
)

var extensions = map[string]string{
	"jpeg": "jpg",
	"heif": "heic",
}

// MIME subtypes accepted as a fallback when no signature matches.
var mimeSubtypes = map[string]string{
	"jpeg":                "jpeg",
	"jpg":                 "jpeg",
	"png":                 "png",
	"webp":                "webp",
	"avif":                "avif",
	"heif":                "heif",
	"heic":                "heif",
	"gif":                 "gif",
	"bmp":                 "bmp",
	"tiff":                "tiff",
	"svg+xml":             "svg",
	"vnd.adobe.photoshop": "psd",
	"x-canon-cr2":         "cr2",
	"x-adobe-dng":         "dng",
}

var fileExtensions = map[string]string{
	"jpg":  "jpeg",
	"jpeg": "jpeg",
	"png":  "png",
	"webp": "webp",
	"avif": "avif",
	"heif": "heif",
	"heic": "heif",
	"gif":  "gif",
	"bmp":  "bmp",
	"tiff": "tiff",
	"tif":  "tiff",
	"svg":  "svg",
	"psd":  "psd",
	"raw":  "raw",
	"cr2":  "cr2",
	"dng":  "dng",
}

// signature is one row of the sniffing table. verify, when set, must also
// accept the prefix and may rename the match.
type signature struct {
	name   string
	magic  []byte
	offset int
	verify func(prefix []byte) (string, bool)
}

// Order matters: the first accepted row wins.
var signatures = []signature{
	{name: "jpeg", magic: []byte{0xFF, 0xD8, 0xFF}},
	{name: "png", magic: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{name: "webp", magic: []byte("RIFF"), verify: verifyWebP},
	{name: "gif", magic: []byte("GIF8")},
	{name: "bmp", magic: []byte("BM")},
	{name: "tiff", magic: []byte{'I', 'I', 0x2A, 0x00}, verify: verifyTIFF},
	{name: "tiff", magic: []byte{'M', 'M', 0x00, 0x2A}, verify: verifyTIFF},
	{name: "avif", magic: []byte("ftyp"), offset: 4, verify: verifyISOBMFF},
	{name: "svg", magic: []byte("<svg")},
	{name: "psd", magic: []byte("8BPS")},
}

func verifyWebP(p []byte) (string, bool) {
	return "webp", len(p) >= 12 && string(p[8:12]) == "WEBP"
}

func verifyISOBMFF(p []byte) (string, bool) {
	if len(p) < 12 {
		return "", false
	}
	switch string(p[8:12]) {
	case "avif", "avis":
		return "avif", true
	case "heic", "heix", "hevc", "hevx":
		return "heif", true
	}
	return "", false
}

// verifyTIFF accepts TIFF, CR2 and DNG alike; they share the header and
// are all reported as tiff.
func verifyTIFF(p []byte) (string, bool) {
	return "tiff", len(p) >= 8
}

func sniff(prefix []byte) (string, bool) {
	if len(prefix) > SniffLen {
		prefix = prefix[:SniffLen]
	}
	for _, s := range signatures {
		end := s.offset + len(s.magic)
		if len(prefix) < end || !bytes.Equal(prefix[s.offset:end], s.magic) {
			continue
		}
		if s.verify == nil {
			return s.name, true
		}
		if name, ok := s.verify(prefix); ok {
			return name, true
		}
	}
	return "", false
}

// Identify classifies an image from its leading bytes. When no signature
// matches it falls back to the declared MIME type and then to the filename
// extension. It never fails: an unresolvable input yields a descriptor named
// "unknown" with Supported false.
func Identify(prefix []byte, filename, declaredMIME string) FormatDescriptor {
	name, ok := sniff(prefix)
	if !ok {
		name = FormatFromMIME(declaredMIME)
	}
	if name == "" {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
		name = fileExtensions[ext]
	}
	if name == "" {
		name = "unknown"
	}

	if d, ok := LookupFormat(name); ok {
		return d
	}

	mime := declaredMIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	return FormatDescriptor{
		Name:        name,
		MIMEType:    mime,
		Extension:   extensionFor(name),
		Category:    CategoryRaster,
		Compression: Lossy,
		Features:    []string{},
		Supported:   slices.Contains(inputFormats, name),
	}
}

// LookupFormat returns the catalog descriptor for a canonical format name.
func LookupFormat(name string) (FormatDescriptor, bool) {
	e, ok := catalog[name]
	if !ok {
		return FormatDescriptor{}, false
	}
	return FormatDescriptor{
		Name:        name,
		MIMEType:    e.mime,
		Extension:   extensionFor(name),
		Category:    e.category,
		Compression: e.compression,
		Features:    slices.Clone(e.features),
		Supported:   slices.Contains(inputFormats, name),
	}, true
}

func extensionFor(name string) string {
	if ext, ok := extensions[name]; ok {
		return ext
	}
	return name
}

// FormatFromMIME maps a MIME type such as "image/svg+xml" to a canonical
// format name, or "" when the type is not recognized.
func FormatFromMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	_, sub, ok := strings.Cut(strings.ToLower(strings.TrimSpace(mime)), "/")
	if !ok {
		return ""
	}
	return mimeSubtypes[sub]
}

// MIMEForFormat returns the MIME type of a canonical format name or alias
// ("jpg", "heic"), or "" when unknown.
func MIMEForFormat(name string) string {
	name = strings.ToLower(name)
	if canon, ok := fileExtensions[name]; ok {
		name = canon
	}
	if e, ok := catalog[name]; ok {
		return e.mime
	}
	return ""
}

// SupportsCompression reports whether a format can be fed to the
// compressor. Vector input is excluded.
func SupportsCompression(name string) bool {
	return slices.Contains(inputFormats, name) && name != "svg"
}

// SupportsConversion reports whether input can be converted to output.
func SupportsConversion(input, output string) bool {
	return slices.Contains(inputFormats, input) && slices.Contains(outputFormats, output)
}

// SupportedOutputFormats lists the conversion targets offered for an input
// format: the web formats, plus the input's own format when it is a
// writable one.
func SupportedOutputFormats(input string) []string {
	out := []string{"jpeg", "png", "webp"}
	switch input {
	case "avif", "bmp", "gif", "tiff":
		out = append(out, input)
	}
	return out
}
