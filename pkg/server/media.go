package server

import (
	"bytes"
	"errors"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

// handleMedia stores uploaded ciphertext under a URL derived from its hash
// and serves it back on download. The server never sees media keys.
func (s *Server) handleMedia(n *protocol.Node) (*protocol.Node, *iqError) {
	if len(n.Children) == 0 {
		return nil, errCode(CodeBadRequest)
	}
	q := &n.Children[0]

	switch q.Tag {
	case protocol.TagUpload:
		if n.AttrString(protocol.AttrType) != protocol.IQSet || len(q.Content) == 0 {
			return nil, errCode(CodeBadRequest)
		}
		if int64(len(q.Content)) > s.opts.MaxMediaBytes {
			return nil, errCode(CodeTooLarge)
		}
		hash := crypto.Hash(q.Content)
		if !bytes.Equal(hash, q.AttrBytes(protocol.AttrHash)) {
			return nil, errCode(CodeNotAcceptable)
		}
		if size, ok := q.AttrInt(protocol.AttrSize); ok && size != int64(len(q.Content)) {
			return nil, errCode(CodeNotAcceptable)
		}

		url := s.opts.MediaURL + "/" + crypto.HashString(q.Content)
		if err := s.opts.Blobs.Put(s.ctx, url, q.Content); err != nil {
			s.logger.Error().Err(err).Str("url", url).Msg("failed to store media")
			return nil, errCode(CodeInternal)
		}

		s.logger.Debug().Str("url", url).Int("size", len(q.Content)).Msg("media stored")
		return iqResult(n, protocol.Node{
			Tag:   protocol.TagUpload,
			Attrs: []protocol.Attr{protocol.String(protocol.AttrURL, url)},
		}), nil

	case protocol.TagDownload:
		url := q.AttrString(protocol.AttrURL)
		blob, err := s.opts.Blobs.Get(s.ctx, url)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errCode(CodeNotFound)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("url", url).Msg("failed to read media")
			return nil, errCode(CodeInternal)
		}
		return iqResult(n, protocol.Node{
			Tag:     protocol.TagDownload,
			Attrs:   []protocol.Attr{protocol.String(protocol.AttrURL, url)},
			Content: blob,
		}), nil
	}
	return nil, errCode(CodeBadRequest)
}
