package toollib

import (
	"bytes"
	"encoding/json"
	"io"
)

func jsonBytesReader(data json.RawMessage) io.Reader {
	return bytes.NewReader(data)
}

// schema is a small helper for building JSON-schema definitions inline
// without a struct literal per tool.
func schema(properties map[string]interface{}, required ...string) json.RawMessage {
	obj := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		obj["required"] = required
	}
	data, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return data
}

func strProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
