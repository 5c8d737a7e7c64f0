// Package testpb defines a minimal protocol buffer message used only by
// internal/protoio's own round-trip tests, so they don't need to reach into
// a real message type from elsewhere in the module.
package testpb

import "github.com/golang/protobuf/proto"

// M is a one-field message: enough to exercise binary and text marshalling
// without pulling in any package under test.
type M struct {
	Content string `protobuf:"bytes,1,opt,name=content,proto3" json:"content,omitempty"`
}

func (m *M) Reset()         { *m = M{} }
func (m *M) String() string { return proto.CompactTextString(m) }
func (*M) ProtoMessage()    {}
