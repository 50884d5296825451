// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"encoding/xml"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// argStruct builds a pointer to an anonymous struct whose string fields are the
// params, in order, tagged with their argument names. The SOAP encoder emits
// struct fields in declaration order, which keeps the wire order of params.
func argStruct(params []Param) (any, error) {
	fields := make([]reflect.StructField, len(params))
	seen := make(map[string]struct{}, len(params))
	for i, p := range params {
		if p.Name == "" || strings.ContainsAny(p.Name, "\" <>&") {
			return nil, fmt.Errorf("invalid argument name %q", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate argument %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		fields[i] = reflect.StructField{
			Name: "A" + strconv.Itoa(i),
			Type: reflect.TypeOf(""),
			Tag:  reflect.StructTag(`soap:"` + p.Name + `"`),
		}
	}
	v := reflect.New(reflect.StructOf(fields))
	for i, p := range params {
		v.Elem().Field(i).SetString(p.Value)
	}
	return v.Interface(), nil
}

// argMap collects the child elements of an action response by local name.
type argMap struct {
	values map[string]string
}

func (m *argMap) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	m.values = make(map[string]string)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var text string
			if err := d.DecodeElement(&text, &t); err != nil {
				return err
			}
			m.values[t.Name.Local] = text
		case xml.EndElement:
			return nil
		}
	}
}
