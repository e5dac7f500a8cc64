package pathcompression

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Method is the per-member compression method of an archive.
type Method string

const (
	Deflate Method = "deflate"
	Zstd    Method = "zstd"
	Store   Method = "store"
)

var methodToString = map[Method]string{
	Deflate: "deflate",
	Zstd:    "zstd",
	Store:   "store",
}

var stringToMethod map[string]Method

func init() {
	stringToMethod = util.InvertMap(methodToString)
}

func (m Method) String() string {
	if str, ok := methodToString[m]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_method(%s)", string(m))
}

// zipMethod returns the method id written into the zip header.
func (m Method) zipMethod() uint16 {
	switch m {
	case Zstd:
		return zstd.ZipMethodWinZip
	case Store:
		return zip.Store
	default:
		return zip.Deflate
	}
}

// ParseMethod parses a method name. An empty string means deflate.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return Deflate, nil
	}
	if m, ok := stringToMethod[s]; ok {
		return m, nil
	}
	return "", fmt.Errorf("invalid compression method: %q. Must be 'deflate', 'zstd', or 'store'", s)
}

// MarshalJSON implements the json.Marshaler interface for Method.
func (m Method) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Method.
func (m *Method) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression method should be a string, got %s", data)
	}
	method, err := ParseMethod(s)
	if err != nil {
		return err
	}
	*m = method
	return nil
}
