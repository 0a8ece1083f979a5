package mode

// FourCC builds a DRM pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	FormatXRGB8888 = FourCC('X', 'R', '2', '4')
	FormatARGB8888 = FourCC('A', 'R', '2', '4')
)

// FormatDepth returns the legacy AddFB depth and bpp for a format.
func FormatDepth(format uint32) (depth, bpp uint8) {
	switch format {
	case FormatARGB8888:
		return 32, 32
	default:
		return 24, 32
	}
}
