package vae

import (
	"fmt"

	"imgsynth-go/tensor"
)

// Codec is the common shape Encoder/Decoder and TAEEncoder/TAEDecoder
// present to TileEncode/TileDecode: a single image-tensor-to-image-
// tensor graph execution.
type Codec func(*tensor.LocalTensor) (*tensor.LocalTensor, error)

// TileEncode/TileDecode implement spec.md §4.6's tiling: when tileSize
// is 0, the whole tensor runs through codec as one call (no tiling).
// Otherwise x is split into non-overlapping tileSize x tileSize (pre-
// codec resolution) tiles, each run as an independent graph execution
// and stitched back together. Every tile must be the same size, so
// tileSize must evenly divide both spatial dims (spec.md doesn't
// specify padding behavior for a non-dividing tile size, so this is
// treated as a caller/config error rather than silently cropping or
// padding).
func TileEncode(x *tensor.LocalTensor, tileSize int, codec Codec) (*tensor.LocalTensor, error) {
	return tileRun(x, tileSize, codec)
}

func TileDecode(x *tensor.LocalTensor, tileSize int, codec Codec) (*tensor.LocalTensor, error) {
	return tileRun(x, tileSize, codec)
}

func tileRun(x *tensor.LocalTensor, tileSize int, codec Codec) (*tensor.LocalTensor, error) {
	if tileSize <= 0 {
		return codec(x)
	}
	W, H, _, N := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if W%tileSize != 0 || H%tileSize != 0 {
		return nil, fmt.Errorf("vae: tile size %d does not evenly divide image %dx%d", tileSize, W, H)
	}
	if N != 1 {
		return nil, fmt.Errorf("vae: tiled execution only supports batch size 1, got %d", N)
	}

	nx, ny := W/tileSize, H/tileSize
	var out *tensor.LocalTensor
	for ty := 0; ty < ny; ty++ {
		for tx := 0; tx < nx; tx++ {
			tile := extractTile(x, tx*tileSize, ty*tileSize, tileSize, tileSize)
			result, err := codec(tile)
			if err != nil {
				return nil, fmt.Errorf("vae: tile (%d,%d): %w", tx, ty, err)
			}
			if out == nil {
				outTileW, outTileH := result.Shape[0], result.Shape[1]
				out = tensor.NewLocalTensor(outTileW*nx, outTileH*ny, result.Shape[2], 1)
			}
			pasteTile(out, result, tx*result.Shape[0], ty*result.Shape[1])
		}
	}
	return out, nil
}

func extractTile(x *tensor.LocalTensor, x0, y0, w, h int) *tensor.LocalTensor {
	W, H, C, N := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.NewLocalTensor(w, h, C, N)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			srcBase := (n*C + c) * H * W
			dstBase := (n*C + c) * h * w
			for row := 0; row < h; row++ {
				srcRow := srcBase + (y0+row)*W + x0
				dstRow := dstBase + row*w
				copy(out.Data[dstRow:dstRow+w], x.Data[srcRow:srcRow+w])
			}
		}
	}
	return out
}

func pasteTile(dst, tile *tensor.LocalTensor, x0, y0 int) {
	W, H, C, N := dst.Shape[0], dst.Shape[1], dst.Shape[2], dst.Shape[3]
	tw, th := tile.Shape[0], tile.Shape[1]
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			dstBase := (n*C + c) * H * W
			srcBase := (n*C + c) * th * tw
			for row := 0; row < th; row++ {
				dstRow := dstBase + (y0+row)*W + x0
				srcRow := srcBase + row*tw
				copy(dst.Data[dstRow:dstRow+tw], tile.Data[srcRow:srcRow+tw])
			}
		}
	}
}
