package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

// Document is one immutable snapshot of the merged configuration.
//
// It is merged from up to three layers, lowest priority first: the template
// (defaults for missing keys), the live file, and the secrets overlay. Each
// top-level key carries its own checksum so scoped subscribers can be
// notified only when their slice actually changed.
type Document struct {
	data     map[string]any
	raw      []byte // canonical JSON of data
	checksum uint64
	keySums  map[string]uint64
	loadedAt time.Time
}

// NewDocument builds a Document from already-merged data.
func NewDocument(data map[string]any) (*Document, error) {
	if data == nil {
		data = make(map[string]any)
	}

	// encoding/json sorts map keys, so the raw form and its hash are
	// deterministic for equal content.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	keySums := make(map[string]uint64, len(data))
	for key, val := range data {
		sub, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrParse, key, err)
		}
		keySums[key] = xxhash.Sum64(sub)
	}

	return &Document{
		data:     data,
		raw:      raw,
		checksum: xxhash.Sum64(raw),
		keySums:  keySums,
		loadedAt: time.Now(),
	}, nil
}

// LoadDocument reads and merges the backing files into a Document.
// The live file is required once any layer exists; template and secrets are
// optional. A read or parse failure of a present file is an error.
func LoadDocument(livePath, secretsPath, templatePath string) (*Document, error) {
	merged := make(map[string]any)

	for _, layer := range []string{templatePath, livePath, secretsPath} {
		if layer == "" {
			continue
		}
		data, err := readJSONFile(layer)
		if err != nil {
			return nil, err
		}
		if data != nil {
			merged = deepMerge(merged, data)
		}
	}

	return NewDocument(merged)
}

// readJSONFile reads one layer. A missing file yields (nil, nil).
func readJSONFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrParse, path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return data, nil
}

// Data returns a deep copy of the document contents.
func (d *Document) Data() map[string]any {
	return cloneMap(d.data)
}

// Raw returns the canonical JSON bytes of the document.
func (d *Document) Raw() []byte {
	return append([]byte(nil), d.raw...)
}

// Checksum returns the content hash of the whole document.
func (d *Document) Checksum() uint64 {
	return d.checksum
}

// KeyChecksum returns the content hash of one top-level key's sub-document.
// Absent keys hash to zero, so presence changes register as changes.
func (d *Document) KeyChecksum(key string) uint64 {
	return d.keySums[key]
}

// Keys returns the top-level keys present in the document.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	return keys
}

// Key returns a deep copy of one top-level key's sub-document, or nil if the
// key is absent or not an object.
func (d *Document) Key(key string) map[string]any {
	if m, ok := d.data[key].(map[string]any); ok {
		return cloneMap(m)
	}
	return nil
}

// Get resolves a dot-separated path against the document.
func (d *Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// LoadedAt returns when this snapshot was built.
func (d *Document) LoadedAt() time.Time {
	return d.loadedAt
}

// deepMerge recursively merges src into dst. Values in src override values
// in dst; maps merge recursively, other types are replaced.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = cloneValue(srcVal)
			continue
		}
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dstVal.(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = deepMerge(dstMap, srcMap)
		} else {
			dst[key] = cloneValue(srcVal)
		}
	}
	return dst
}

// cloneValue creates a deep copy of a value.
func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// cloneMap creates a deep copy of a map.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
