// Package vae implements the image<->latent codec spec.md §4.6
// describes: a full convolutional VAE (encoder/decoder with
// attention at the bottleneck) and the lighter symmetric TAE,
// plus latent-sampling noise injection and tile-based execution.
//
// Grounded on original_source/src/vae.c/.h (topology, latent sampling
// formula, pixel convention) and original_source/src/tae.h (the
// simplified architecture). Built from the nn package's blocks, the
// same way unet is.
package vae

// Params describes one VAE checkpoint's topology and the scale factor
// its latents are calibrated to.
type Params struct {
	ChX          int     // pixel channels, always 3
	ChZ          int     // latent channels, always 4
	ChBase       int     // base channel width before the first multiplier
	ChMult       []int   // per-resolution-level channel multiplier
	NumResBlocks int     // resnets per resolution level
	ScaleFactor  float32 // latent_i *= ScaleFactor after sampling
}

// SD1 is shared by SD1.x and SD2.x: the standard 4-level, ch=128 VAE,
// scale factor 0.18215.
var SD1 = Params{
	ChX: 3, ChZ: 4, ChBase: 128, ChMult: []int{1, 2, 4, 4}, NumResBlocks: 2,
	ScaleFactor: 0.18215,
}

// SDXL shares SD1's topology; only the latent scale factor differs.
var SDXL = Params{
	ChX: 3, ChZ: 4, ChBase: 128, ChMult: []int{1, 2, 4, 4}, NumResBlocks: 2,
	ScaleFactor: 0.13025,
}
