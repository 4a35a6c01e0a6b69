package kitfox

import (
	"encoding/binary"
	"image"
)

// Orientation is an EXIF orientation tag value.
type Orientation int

const (
	OrientNormal      Orientation = 1
	OrientFlipH       Orientation = 2
	OrientRotate180   Orientation = 3
	OrientFlipV       Orientation = 4
	OrientTranspose   Orientation = 5 // rotate 270 CW, then flip H
	OrientRotate90CW  Orientation = 6
	OrientTransverse  Orientation = 7 // rotate 90 CW, then flip H
	OrientRotate270CW Orientation = 8
)

const (
	markerSOS  = 0xDA
	markerAPP1 = 0xE1
	tagOrient  = 0x0112
	typeShort  = 3
)

// ReadOrientation returns the EXIF orientation of a JPEG held in data, or
// OrientNormal when the data is not JPEG or carries no orientation tag.
// Only the segments before the first scan are examined.
func ReadOrientation(data []byte) Orientation {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return OrientNormal
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return OrientNormal
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++ // fill byte
			continue
		}
		if marker == markerSOS {
			return OrientNormal
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return OrientNormal
		}
		if marker == markerAPP1 {
			if o, ok := exifOrientation(data[pos+4 : pos+2+segLen]); ok {
				return o
			}
		}
		pos += 2 + segLen
	}
	return OrientNormal
}

// exifOrientation reads the orientation tag from an APP1 payload. ok is
// false when the payload is not EXIF, so the caller keeps scanning.
func exifOrientation(seg []byte) (Orientation, bool) {
	if len(seg) < 14 || string(seg[:6]) != "Exif\x00\x00" {
		return OrientNormal, false
	}
	tiff := seg[6:]

	var bo binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return OrientNormal, true
	}
	if bo.Uint16(tiff[2:4]) != 42 {
		return OrientNormal, true
	}

	ifd := int(bo.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return OrientNormal, true
	}
	n := int(bo.Uint16(tiff[ifd:]))
	for i := 0; i < n; i++ {
		e := ifd + 2 + i*12
		if e+12 > len(tiff) {
			break
		}
		if bo.Uint16(tiff[e:]) != tagOrient {
			continue
		}
		if bo.Uint16(tiff[e+2:]) != typeShort {
			return OrientNormal, true
		}
		if v := Orientation(bo.Uint16(tiff[e+8:])); v >= OrientNormal && v <= OrientRotate270CW {
			return v, true
		}
		return OrientNormal, true
	}
	return OrientNormal, true
}

// ApplyOrientation returns img transformed so that it displays upright.
func ApplyOrientation(img *image.NRGBA, o Orientation) *image.NRGBA {
	switch o {
	case OrientFlipH:
		return flipH(img)
	case OrientRotate180:
		return rotate180(img)
	case OrientFlipV:
		return flipV(img)
	case OrientTranspose:
		return flipH(rotate270(img))
	case OrientRotate90CW:
		return rotate90(img)
	case OrientTransverse:
		return flipH(rotate90(img))
	case OrientRotate270CW:
		return rotate270(img)
	default:
		return img
	}
}
