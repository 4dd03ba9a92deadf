package engine

import (
	"fmt"

	"imgsynth-go/clip"
	"imgsynth-go/tensor"
)

// TextTokenize is the direct entry point spec.md §6 lists
// (`text_tokenize`): the raw BPE token stream for text, with no
// tok_start/tok_end/pad wrapping (that belongs to ClipTextEncode's
// fixed-length model input, not the tokenizer's own output).
func (c *Ctx) TextTokenize(text string) ([]int32, error) {
	if err := c.loadVocabIfNeeded(); err != nil {
		return nil, c.fail(err)
	}
	toks, err := c.Vocab.Tokenize(text)
	if err != nil {
		return nil, c.fail(wrapf(ErrPromptParse, "engine: tokenizing: %v", err))
	}
	return toks, nil
}

// ClipTextEncode is the direct entry point spec.md §6 lists
// (`clip_text_encode`): tokenize, wrap to the active CLIP's n_token,
// and run the text transformer(s), honoring clip_skip. For SD1/SD2 a
// single tower runs and label is nil; for SDXL both towers run and
// concatenate per spec.md §4.5, and label is the ch_adm_in-wide
// geometry+pooled-feature vector clip.AdmVector builds.
func (c *Ctx) ClipTextEncode(text string) (cond *tensor.LocalTensor, label []float32, err error) {
	if err := c.Setup(); err != nil {
		return nil, nil, err
	}
	toks, err := c.Vocab.Tokenize(text)
	if err != nil {
		return nil, nil, c.fail(wrapf(ErrPromptParse, "engine: tokenizing: %v", err))
	}
	endPos := 1 + len(toks)

	wrappedL, err := clip.WrapForEncoder(c.ClipParams[0], toks)
	if err != nil {
		return nil, nil, c.fail(wrapf(ErrPromptParse, "engine: %v", err))
	}

	if c.modelType != ModelSDXL {
		hidden, _, err := c.Clip.Encode(wrappedL, c.opts.clipSkip, endPos)
		if err != nil {
			return nil, nil, c.fail(fmt.Errorf("engine: clip encode: %w", err))
		}
		return hidden, nil, nil
	}

	wrappedG, err := clip.WrapForEncoder(c.ClipParams[1], toks)
	if err != nil {
		return nil, nil, c.fail(wrapf(ErrPromptParse, "engine: %v", err))
	}
	sdxl := clip.SDXLEncoder{L: c.Clip, BigG: c.Clip2}
	hidden, pooled, err := sdxl.Encode(wrappedL, wrappedG, c.opts.clipSkip, endPos)
	if err != nil {
		return nil, nil, c.fail(fmt.Errorf("engine: sdxl clip encode: %w", err))
	}
	label = clip.AdmVector(c.opts.imageH, c.opts.imageW, 0, 0, c.opts.imageH, c.opts.imageW, pooled)
	return hidden, label, nil
}
