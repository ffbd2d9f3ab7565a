package logstore

import (
	"fmt"

	"github.com/calvinalkan/logstore/internal/dbm"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/lba"
	"github.com/calvinalkan/logstore/internal/metablock"
)

// Metablock payload layout: extent mixin, data mixin, lba mixin.
const (
	offPayloadExtent = 0
	offPayloadData   = offPayloadExtent + extent.MixinSize
	offPayloadLBA    = offPayloadData + dbm.MixinSize
	payloadSize      = offPayloadLBA + lba.MixinSize
)

// Fails to compile if the mixins outgrow a slot.
const _ = uint(metablock.PayloadSize - payloadSize)

type metaPayload struct {
	extents extent.Mixin
	data    dbm.Mixin
	lba     lba.Mixin
}

func (p metaPayload) encode() []byte {
	buf := make([]byte, metablock.PayloadSize)
	p.extents.Encode(buf[offPayloadExtent:])
	p.data.Encode(buf[offPayloadData:])
	p.lba.Encode(buf[offPayloadLBA:])

	return buf
}

func decodePayload(buf []byte) (metaPayload, error) {
	if len(buf) < payloadSize {
		return metaPayload{}, fmt.Errorf("metablock payload of %d bytes: %w", len(buf), ErrCorrupt)
	}

	lm, err := lba.DecodeMixin(buf[offPayloadLBA:])
	if err != nil {
		return metaPayload{}, fmt.Errorf("metablock lba mixin: %w", err)
	}

	return metaPayload{
		extents: extent.DecodeMixin(buf[offPayloadExtent:]),
		data:    dbm.DecodeMixin(buf[offPayloadData:]),
		lba:     lm,
	}, nil
}
