// Package protocol implements the pocksup wire vocabulary and binary codec.
//
// Every frame exchanged with the server carries exactly one Node: a tag, an
// ordered attribute list, and either child nodes or an opaque binary payload.
//
// # Frame Body
//
//   - Flags (1 byte): 0x02 marks a zlib-compressed node
//   - Dictionary version (1 byte): selects the token table used below
//   - Node: tag, attribute count, attributes, content marker and content
//
// # Value Encoding
//
// Strings and attribute values start with a type byte so the decoder can
// restore the exact Go type:
//   - Token / extended token: index into the versioned Dictionary
//   - Literal string: uvarint length + bytes
//   - Integer: zig-zag varint
//   - Binary: uvarint length + bytes
//   - JID: user part followed by a tokenized server part
//
// Decoding failures of any kind are reported as ErrMalformedFrame.
//
// # Usage Example
//
//	codec := protocol.NewCodec(protocol.DictionaryV1, protocol.WithCompression(0))
//
//	msg := protocol.MessageNode(protocol.GenerateMessageID(),
//	    protocol.UserJID("15550001234"), protocol.ContentTypeText,
//	    protocol.BodyNode("hi"), "")
//
//	body, err := codec.Marshal(msg)
//	...
//	decoded, err := codec.Unmarshal(body)
package protocol
