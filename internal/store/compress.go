package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// The encoder and decoder are stateless for EncodeAll/DecodeAll and safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func compressDefinition(def Definition) []byte {
	return zstdEncoder.EncodeAll(def.JSON(), nil)
}

func decompressDefinition(blob []byte, hash string) (Definition, error) {
	doc, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return Definition{}, fmt.Errorf("zstd decompress: %w", err)
	}
	def, err := ParseDefinition(doc)
	if err != nil {
		return Definition{}, err
	}
	if def.Hash() != hash {
		return Definition{}, fmt.Errorf("stored definition hash mismatch: have %s, computed %s", hash, def.Hash())
	}
	return def, nil
}
