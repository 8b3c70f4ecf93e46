package align

import (
	"errors"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFITS streams a power map to w as a 64-bit float FITS image.  The
// first image axis follows XUM and the second YUM; the grid origin and
// step are recorded in header cards in micrometers.
func WriteFITS(w io.Writer, pm PowerMapResult) error {
	if len(pm.XUM) == 0 || len(pm.YUM) == 0 || len(pm.Power) == 0 {
		return errors.New("power map is empty, nothing to write")
	}
	cards := []fitsio.Card{
		{Name: "BUNIT", Value: "mW", Comment: "linear optical power"},
		{Name: "XORIG", Value: pm.XUM[0], Comment: "x of first column, um"},
		{Name: "YORIG", Value: pm.YUM[0], Comment: "y of first row, um"},
		{Name: "XSTEP", Value: step(pm.XUM), Comment: "x pitch, um"},
		{Name: "YSTEP", Value: step(pm.YUM), Comment: "y pitch, um"},
		{Name: "MAPSTAT", Value: pm.Status, Comment: "session status"},
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{len(pm.YUM), len(pm.XUM)}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}

	// FITS stores the first axis contiguously; our grid is row-major in x
	buf := make([]float64, 0, len(pm.XUM)*len(pm.YUM))
	for _, row := range pm.Power {
		buf = append(buf, row...)
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}

func step(coords []float64) float64 {
	if len(coords) < 2 {
		return 0
	}
	return coords[1] - coords[0]
}
