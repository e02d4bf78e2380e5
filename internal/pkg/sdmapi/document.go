package sdmapi

import (
	"encoding/json"
)

// Document is a decoded JSON object as returned by the API.  A trait bag is a
// Document keyed by trait name whose values are themselves Documents.
type Document map[string]interface{}

// DeepMerge merges update into base and returns base.  Where both sides hold
// an object the merge recurses; any other update value replaces the base
// value.  Values are copied out of update, which is never modified.
func DeepMerge(base, update Document) Document {
	if base == nil {
		base = Document{}
	}

	for k, uv := range update {
		uDoc, uIsDoc := asDocument(uv)
		if !uIsDoc {
			base[k] = cloneValue(uv)
			continue
		}

		bDoc, bIsDoc := asDocument(base[k])
		if !bIsDoc {
			base[k] = uDoc.Clone()
			continue
		}

		base[k] = DeepMerge(bDoc, uDoc)
	}

	return base
}

// Clone returns a deep copy of d
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}

	c := make(Document, len(d))
	for k, v := range d {
		c[k] = cloneValue(v)
	}

	return c
}

// Document returns the nested object stored at key, if there is one
func (d Document) Document(key string) (Document, bool) {
	return asDocument(d[key])
}

// String returns the string stored at key, or "" if absent or not a string
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// List returns the objects held in the array stored at key.  Elements that
// are not objects are dropped.
func (d Document) List(key string) []Document {
	items, _ := d[key].([]interface{})

	out := make([]Document, 0, len(items))
	for _, item := range items {
		if doc, ok := asDocument(item); ok {
			out = append(out, doc)
		}
	}

	return out
}

// Decode re-encodes d into the value pointed to by v
func (d Document) Decode(v interface{}) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func asDocument(v interface{}) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, t != nil
	case map[string]interface{}:
		return Document(t), t != nil
	}

	return nil, false
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]interface{}:
		return Document(t).Clone()
	case []interface{}:
		c := make([]interface{}, len(t))
		for i, item := range t {
			c[i] = cloneValue(item)
		}
		return c
	}

	return v
}
