// Copyright (C) 2021 The emkit authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package emio

import (
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"github.com/emtools/emkit/internal/emd"
)

// TIFFReader imports plain TIFF images, mainly as a conversion source
// for detector software that exports nothing better. Color images are
// reduced to luminance.
type TIFFReader struct {
	ds *emd.Dataset
}

// OpenTIFF decodes a TIFF file into a single dataset. 16-bit grayscale
// keeps its full range; everything else becomes 8-bit luminance.
func OpenTIFF(path string) (*TIFFReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, corruptf("TIFF", 0, "decoding: %v", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var ds *emd.Dataset
	switch im := img.(type) {
	case *image.Gray16:
		ds = emd.NewDataset("image", emd.Uint16, h, w)
		data := ds.Data.([]uint16)
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride:]
			for x := 0; x < w; x++ {
				data[y*w+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
			}
		}
	case *image.Gray:
		ds = emd.NewDataset("image", emd.Uint8, h, w)
		data := ds.Data.([]uint8)
		for y := 0; y < h; y++ {
			copy(data[y*w:(y+1)*w], im.Pix[y*im.Stride:y*im.Stride+w])
		}
	default:
		ds = emd.NewDataset("image", emd.Uint8, h, w)
		data := ds.Data.([]uint8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				// Rec. 601 luma on 16-bit channels
				data[y*w+x] = uint8((299*r + 587*g + 114*b) / 1000 >> 8)
			}
		}
	}
	ds.Dims[0].Name, ds.Dims[1].Name = "y", "x"
	return &TIFFReader{ds: ds}, nil
}

func (r *TIFFReader) Format() Format {
	return FormatTIFF
}

func (r *TIFFReader) DatasetCount() int {
	return 1
}

func (r *TIFFReader) Dataset(i int) (*emd.Dataset, error) {
	if i != 0 {
		return nil, fmt.Errorf("TIFF: dataset %d out of range [0,1)", i)
	}
	return r.ds, nil
}

func (r *TIFFReader) Slice(i, z int) (*emd.Dataset, error) {
	if z != 0 {
		return nil, fmt.Errorf("TIFF: image has no plane %d", z)
	}
	return r.Dataset(i)
}

func (r *TIFFReader) Close() error {
	return nil
}
