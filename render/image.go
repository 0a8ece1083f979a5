package render

import (
	"image"
	"image/color"
)

// BGRA is an image laid out like DRM ARGB8888/XRGB8888 on little-endian
// machines. Pix may alias a mapped buffer.
type BGRA struct {
	Pix    []byte
	Rect   image.Rectangle
	Stride int
}

// NewBGRA allocates a w x h image in ordinary memory.
func NewBGRA(w, h int) *BGRA {
	return &BGRA{
		Pix:    make([]byte, w*h*4),
		Rect:   image.Rect(0, 0, w, h),
		Stride: w * 4,
	}
}

func (i *BGRA) Bounds() image.Rectangle { return i.Rect }
func (i *BGRA) ColorModel() color.Model { return color.RGBAModel }

func (i *BGRA) At(x, y int) color.Color {
	return i.RGBAAt(x, y)
}

func (i *BGRA) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{x, y}.In(i.Rect)) {
		return color.RGBA{}
	}

	pix := i.Pix[i.PixOffset(x, y):]
	return color.RGBA{
		pix[2],
		pix[1],
		pix[0],
		pix[3],
	}
}

func (i *BGRA) Set(x, y int, c color.Color) {
	i.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

func (i *BGRA) SetRGBA(x, y int, c color.RGBA) {
	if !(image.Point{x, y}.In(i.Rect)) {
		return
	}

	n := i.PixOffset(x, y)
	pix := i.Pix[n:]
	pix[0] = c.B
	pix[1] = c.G
	pix[2] = c.R
	pix[3] = c.A
}

func (i *BGRA) PixOffset(x, y int) int {
	return (y-i.Rect.Min.Y)*i.Stride + (x-i.Rect.Min.X)*4
}

// SubImage returns the part of the image inside r, sharing pixels.
func (i *BGRA) SubImage(r image.Rectangle) *BGRA {
	r = r.Intersect(i.Rect)
	if r.Empty() {
		return &BGRA{}
	}
	return &BGRA{
		Pix:    i.Pix[i.PixOffset(r.Min.X, r.Min.Y):],
		Rect:   r,
		Stride: i.Stride,
	}
}

// Fill sets every pixel to c.
func (i *BGRA) Fill(c color.RGBA) {
	w := i.Rect.Dx()
	if w <= 0 {
		return
	}
	row := make([]byte, w*4)
	for x := 0; x < w; x++ {
		row[x*4+0] = c.B
		row[x*4+1] = c.G
		row[x*4+2] = c.R
		row[x*4+3] = c.A
	}
	for y := i.Rect.Min.Y; y < i.Rect.Max.Y; y++ {
		copy(i.Pix[i.PixOffset(i.Rect.Min.X, y):], row)
	}
}
