// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrUnknownKind  = errors.New("unknown context kind")
	ErrWrongFamily  = errors.New("context kind used in the wrong family")
	ErrEmptyContext = errors.New("context id cannot be empty")
)

// Kind identifies a context variant. The set is closed; values outside the
// declared constants are rejected everywhere a Context is built.
type Kind uint8

// Location context kinds.
const (
	KindSection Kind = iota + 1
	KindWebDocument
	KindScreen
	KindExpandableSection
	KindMediaPlayer
	KindNavigation
	KindOverlay
	KindItem
	KindInput
	KindAction
	KindButton
	KindLink
)

// Global context kinds.
const (
	KindDevice Kind = iota + 64
	KindError
	KindCookieID
	KindSession
	KindHTTP
	KindPath
	KindApplication
)

var kindNames = map[Kind]string{
	KindSection:           "SectionContext",
	KindWebDocument:       "WebDocumentContext",
	KindScreen:            "ScreenContext",
	KindExpandableSection: "ExpandableSectionContext",
	KindMediaPlayer:       "MediaPlayerContext",
	KindNavigation:        "NavigationContext",
	KindOverlay:           "OverlayContext",
	KindItem:              "ItemContext",
	KindInput:             "InputContext",
	KindAction:            "ActionContext",
	KindButton:            "ButtonContext",
	KindLink:              "LinkContext",
	KindDevice:            "DeviceContext",
	KindError:             "ErrorContext",
	KindCookieID:          "CookieIdContext",
	KindSession:           "SessionContext",
	KindHTTP:              "HttpContext",
	KindPath:              "PathContext",
	KindApplication:       "ApplicationContext",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind resolves a wire type name such as "SectionContext".
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// IsLocation reports whether k belongs to the location stack family.
func (k Kind) IsLocation() bool {
	switch k {
	case KindSection, KindWebDocument, KindScreen, KindExpandableSection, KindMediaPlayer,
		KindNavigation, KindOverlay, KindItem, KindInput, KindAction, KindButton, KindLink:
		return true
	case KindDevice, KindError, KindCookieID, KindSession, KindHTTP, KindPath, KindApplication:
		return false
	default:
		return false
	}
}

// IsGlobal reports whether k belongs to the global context family.
func (k Kind) IsGlobal() bool {
	switch k {
	case KindDevice, KindError, KindCookieID, KindSession, KindHTTP, KindPath, KindApplication:
		return true
	case KindSection, KindWebDocument, KindScreen, KindExpandableSection, KindMediaPlayer,
		KindNavigation, KindOverlay, KindItem, KindInput, KindAction, KindButton, KindLink:
		return false
	default:
		return false
	}
}

// Context is one entry of an event's location stack or global contexts.
// Attribute values are kept as JSON so numbers, booleans and objects sent by
// producers reach the collector unchanged.
type Context struct {
	kind  Kind
	id    string
	attrs map[string]json.RawMessage
}

// Location builds a location stack entry.
func Location(kind Kind, id string, attrs map[string]string) (Context, error) {
	if !kind.IsLocation() {
		return Context{}, fmt.Errorf("%w: %s is not a location context", ErrWrongFamily, kind)
	}
	return newContext(kind, id, stringAttrs(attrs))
}

// Global builds a global context entry.
func Global(kind Kind, id string, attrs map[string]string) (Context, error) {
	if !kind.IsGlobal() {
		return Context{}, fmt.Errorf("%w: %s is not a global context", ErrWrongFamily, kind)
	}
	return newContext(kind, id, stringAttrs(attrs))
}

func stringAttrs(attrs map[string]string) map[string]json.RawMessage {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(attrs))
	for k, v := range attrs {
		b, _ := json.Marshal(v)
		out[k] = b
	}
	return out
}

func newContext(kind Kind, id string, attrs map[string]json.RawMessage) (Context, error) {
	if id == "" {
		return Context{}, ErrEmptyContext
	}
	return Context{kind: kind, id: id, attrs: attrs}, nil
}

func (c Context) Kind() Kind { return c.kind }
func (c Context) ID() string { return c.id }

// Attr returns a single attribute. String values are unquoted; any other
// JSON value is returned as its JSON text.
func (c Context) Attr(key string) (string, bool) {
	raw, ok := c.attrs[key]
	if !ok {
		return "", false
	}
	return attrText(raw), true
}

// RawAttr returns a copy of the attribute's JSON encoding.
func (c Context) RawAttr(key string) (json.RawMessage, bool) {
	raw, ok := c.attrs[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

// Attrs returns the attributes in the form Attr reports them.
func (c Context) Attrs() map[string]string {
	if c.attrs == nil {
		return nil
	}
	out := make(map[string]string, len(c.attrs))
	for k, raw := range c.attrs {
		out[k] = attrText(raw)
	}
	return out
}

func attrText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// MarshalJSON flattens the attributes next to "_type" and "id".
func (c Context) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(c.attrs)+2)
	maps.Copy(m, c.attrs)
	kind, err := json.Marshal(c.kind.String())
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(c.id)
	if err != nil {
		return nil, err
	}
	m["_type"] = kind
	m["id"] = id
	return json.Marshal(m)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	var typ, id string
	if raw, ok := m["_type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return fmt.Errorf("context _type: %w", err)
		}
	}
	if raw, ok := m["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("context id: %w", err)
		}
	}

	kind, err := ParseKind(typ)
	if err != nil {
		return err
	}
	delete(m, "_type")
	delete(m, "id")
	if len(m) == 0 {
		m = nil
	}

	ctx, err := newContext(kind, id, m)
	if err != nil {
		return err
	}
	*c = ctx
	return nil
}
