package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Extra holds the members of a provider JSON object that the typed structs
// have no field for (system_fingerprint, logprobs, refusal, token details, ...).
// They are kept verbatim on decode and written back on encode.
type Extra map[string]json.RawMessage

var (
	messageType      = reflect.TypeOf(Message{})
	chatResponseType = reflect.TypeOf(ChatResponse{})
	choiceType       = reflect.TypeOf(Choice{})
	usageType        = reflect.TypeOf(Usage{})
	streamChunkType  = reflect.TypeOf(StreamChunk{})
	streamChoiceType = reflect.TypeOf(StreamChoice{})
	deltaType        = reflect.TypeOf(Delta{})

	declaredFields sync.Map // reflect.Type -> map[string]struct{}
)

// jsonFieldNames returns the JSON member names declared by struct type t.
func jsonFieldNames(t reflect.Type) map[string]struct{} {
	if v, ok := declaredFields.Load(t); ok {
		return v.(map[string]struct{})
	}
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names[name] = struct{}{}
	}
	declaredFields.Store(t, names)
	return names
}

// unknownFields returns the members of the JSON object data not declared on t.
func unknownFields(data []byte, t reflect.Type) (Extra, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	known := jsonFieldNames(t)
	var extra Extra
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(Extra)
		}
		extra[k] = v
	}
	return extra, nil
}

// appendExtra adds the extra members to the encoded object data in sorted key order.
// Declared fields win over extras of the same name.
func appendExtra(data []byte, extra Extra, t reflect.Type) ([]byte, error) {
	if len(extra) == 0 {
		return data, nil
	}
	known := jsonFieldNames(t)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if _, ok := known[k]; !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return data, nil
	}
	sort.Strings(keys)

	data = bytes.TrimSpace(data)
	if len(data) < 2 || data[len(data)-1] != '}' {
		return nil, fmt.Errorf("cannot add members to non-object JSON %s", t.Name())
	}
	body := data[:len(data)-1]
	empty := bytes.Equal(bytes.TrimSpace(body), []byte("{"))

	var buf bytes.Buffer
	buf.Write(body)
	for _, k := range keys {
		if !empty {
			buf.WriteByte(',')
		}
		empty = false
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *ChatResponse) UnmarshalJSON(data []byte) error {
	type plain ChatResponse
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := unknownFields(data, chatResponseType)
	r.Extra = extra
	return err
}

func (r ChatResponse) MarshalJSON() ([]byte, error) {
	type plain ChatResponse
	data, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, r.Extra, chatResponseType)
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	type plain Choice
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	extra, err := unknownFields(data, choiceType)
	c.Extra = extra
	return err
}

func (c Choice) MarshalJSON() ([]byte, error) {
	type plain Choice
	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, c.Extra, choiceType)
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	type plain Usage
	if err := json.Unmarshal(data, (*plain)(u)); err != nil {
		return err
	}
	extra, err := unknownFields(data, usageType)
	u.Extra = extra
	return err
}

func (u Usage) MarshalJSON() ([]byte, error) {
	type plain Usage
	data, err := json.Marshal(plain(u))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, u.Extra, usageType)
}

func (c *StreamChunk) UnmarshalJSON(data []byte) error {
	type plain StreamChunk
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	extra, err := unknownFields(data, streamChunkType)
	c.Extra = extra
	return err
}

func (c StreamChunk) MarshalJSON() ([]byte, error) {
	type plain StreamChunk
	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, c.Extra, streamChunkType)
}

func (c *StreamChoice) UnmarshalJSON(data []byte) error {
	type plain StreamChoice
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	extra, err := unknownFields(data, streamChoiceType)
	c.Extra = extra
	return err
}

func (c StreamChoice) MarshalJSON() ([]byte, error) {
	type plain StreamChoice
	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, c.Extra, streamChoiceType)
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	type plain Delta
	if err := json.Unmarshal(data, (*plain)(d)); err != nil {
		return err
	}
	extra, err := unknownFields(data, deltaType)
	d.Extra = extra
	return err
}

func (d Delta) MarshalJSON() ([]byte, error) {
	type plain Delta
	data, err := json.Marshal(plain(d))
	if err != nil {
		return nil, err
	}
	return appendExtra(data, d.Extra, deltaType)
}
