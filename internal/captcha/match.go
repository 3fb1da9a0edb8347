package captcha

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"image"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const (
	// bandHeight is the height of the row in the background image that
	// contains the puzzle notch.
	bandHeight = 80

	// Binarization thresholds. The notch is rendered dark on a light
	// background, the puzzle piece dark on transparent.
	backgroundThreshold = 127
	puzzleThreshold     = 50

	// matchFloor is the minimum normalized cross-correlation score for a
	// column to count as a match at all.
	matchFloor = 0.5
)

// ContentHash builds the cache key for a challenge from its two images.
func ContentHash(background, puzzle []byte) string {
	h := sha512.New()
	h.Write(background)
	h.Write(puzzle)
	return hex.EncodeToString(h.Sum(nil))
}

// MatchOffset locates the horizontal position of the puzzle piece inside the
// background by normalized cross-correlation over binarized grayscale. Both
// images are binarized first so JPEG noise and the piece's alpha fringe do
// not dominate the score. Returns 0 when no column clears the score floor.
func MatchOffset(background, puzzle []byte, puzzleTop float64) (int, error) {
	bgImg, _, err := image.Decode(bytes.NewReader(background))
	if err != nil {
		return 0, fmt.Errorf("failed to decode background image: %w", err)
	}
	puzzleImg, _, err := image.Decode(bytes.NewReader(puzzle))
	if err != nil {
		return 0, fmt.Errorf("failed to decode puzzle image: %w", err)
	}

	top := int(puzzleTop)
	if top < 0 {
		top = 0
	}

	bg := binarize(bgImg, top, bandHeight, backgroundThreshold)
	tpl := binarize(puzzleImg, 0, puzzleImg.Bounds().Dy(), puzzleThreshold)

	if tpl.w == 0 || tpl.h == 0 || bg.w < tpl.w || bg.h < tpl.h {
		return 0, fmt.Errorf("puzzle %dx%d does not fit background band %dx%d", tpl.w, tpl.h, bg.w, bg.h)
	}

	tplSum := 0
	for _, v := range tpl.pix {
		tplSum += int(v)
	}
	if tplSum == 0 {
		return 0, nil
	}

	bestX, bestScore := 0, 0.0
	for x := 0; x <= bg.w-tpl.w; x++ {
		score := correlate(bg, tpl, x, tplSum)
		// Ties resolve rightward: the leftmost columns often contain a
		// ghost of the piece at its start position.
		if score >= bestScore && score >= matchFloor {
			bestScore = score
			bestX = x
		}
	}
	return bestX, nil
}

type bitmap struct {
	pix  []uint8
	w, h int
}

// binarize converts rows [top, top+height) to a 0/1 bitmap where pixels
// darker than threshold become 1. The notch in the background and the
// puzzle piece itself are both rendered dark, so dark pixels are the
// signal in both images.
func binarize(img image.Image, top, height, threshold int) bitmap {
	bounds := img.Bounds()
	w := bounds.Dx()
	if top+height > bounds.Dy() {
		height = bounds.Dy() - top
	}
	if height < 0 {
		height = 0
	}

	pix := make([]uint8, w*height)
	for y := 0; y < height; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+top+y).RGBA()
			// Integer luminance, 16-bit channels scaled to 8-bit.
			gray := int((299*r + 587*g + 114*b) / 1000 >> 8)

			if gray < threshold {
				pix[y*w+x] = 1
			}
		}
	}
	return bitmap{pix: pix, w: w, h: height}
}

// correlate computes the normalized cross-correlation of tpl against bg at
// horizontal offset x. For 0/1 bitmaps the self-products collapse to sums.
func correlate(bg, tpl bitmap, x, tplSum int) float64 {
	dot, bgSum := 0, 0
	for y := 0; y < tpl.h; y++ {
		bgRow := bg.pix[y*bg.w+x:]
		tplRow := tpl.pix[y*tpl.w:]
		for i := 0; i < tpl.w; i++ {
			b := int(bgRow[i])
			bgSum += b
			dot += b * int(tplRow[i])
		}
	}
	if bgSum == 0 {
		return 0
	}
	return float64(dot) / math.Sqrt(float64(bgSum)*float64(tplSum))
}
