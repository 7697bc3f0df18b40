package screen

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/fogleman/gg"

	"github.com/tigerbot-team/drmd/pkg/status"
)

// S is the side of the square panel, in pixels.
const S = 128

const refreshInterval = 500 * time.Millisecond

// LoopUpdatingScreen redraws the panel from the status board until ctx is
// done, then blanks it.  A missing framebuffer is not an error; the
// instrument works fine headless.
func LoopUpdatingScreen(ctx context.Context, path string, board *status.Board) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		fmt.Println("Failed to open screen, ignoring:", err)
		return
	}
	defer f.Close()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			var buf [S * S * 2]byte
			_ = writeFrame(f, buf[:])
			return
		case <-ticker.C:
		}
		dc := Render(board.Snapshot())
		if err := writeFrame(f, ToRGB565(dc.Image())); err != nil {
			fmt.Println("Screen failure: ", err)
			return
		}
	}
}

// Render draws one frame: mode banner, last measurement and carriage position.
func Render(snap status.Snapshot) *gg.Context {
	dc := gg.NewContext(S, S)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	switch snap.Mode {
	case "moving":
		dc.SetRGB(0.2, 0.6, 1)
	case "acquiring":
		dc.SetRGB(0.2, 1, 0.3)
	default:
		dc.SetRGBA(1, 0.9, 0, 1)
	}
	dc.DrawRectangle(0, 0, S, 18)
	dc.Fill()
	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("DRMD %s", snap.Mode), 4, 13)

	dc.SetRGBA(1, 0.9, 0, 1)
	dc.DrawString("ABSORBANCE", 4, 36)
	reading := "--.--%"
	if snap.HasMeasurement {
		reading = fmt.Sprintf("%.2f%%", snap.Measurement)
	}
	dc.DrawString(reading, 4, 52)
	drawLevelBar(dc, snap.Measurement, snap.HasMeasurement)

	dc.SetRGBA(1, 0.9, 0, 1)
	dc.DrawString("POSITION", 4, 84)
	dc.DrawString(fmt.Sprintf("%.3f mm", snap.PositionMM), 4, 100)
	if snap.Mode == "moving" {
		dc.DrawString(fmt.Sprintf("-> %.3f", snap.TargetMM), 4, 114)
	}

	if snap.UVLED {
		dc.SetRGB(0.6, 0.2, 1)
		dc.DrawCircle(S-10, 40, 4)
		dc.Fill()
	}
	if snap.Pump {
		dc.SetRGB(0.2, 0.6, 1)
		dc.DrawCircle(S-10, 52, 4)
		dc.Fill()
	}
	return dc
}

func drawLevelBar(dc *gg.Context, pct float64, valid bool) {
	dc.DrawRectangle(4, 58, S-24, 8)
	dc.Stroke()
	if !valid {
		return
	}
	if pct < 5 || pct > 95 {
		// Close to the rails: the reading is probably saturated.
		dc.SetRGBA(1, 0.2, 0, 1)
	}
	w := (S - 28) * pct / 100
	if w < 0 {
		w = 0
	}
	dc.DrawRectangle(6, 60, w, 4)
	dc.Fill()
}

// ToRGB565 packs img into the panel's byte order: little-endian RGB565, with
// the panel mounted rotated so that columns are scanned bottom to top.
func ToRGB565(img image.Image) []byte {
	buf := make([]byte, S*S*2)
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, b, _ := img.At(x, y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // Green has 6 bits
			bb := byte(b >> (16 - 5))

			buf[(S-1-y)*2+x*S*2+1] = (rb << 3) | (gb >> 3)
			buf[(S-1-y)*2+x*S*2] = bb | (gb << 5)
		}
	}
	return buf
}

func writeFrame(f io.WriteSeeker, buf []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	const row = S * 2
	for i := 0; i+row <= len(buf); i += row {
		if _, err := f.Write(buf[i : i+row]); err != nil {
			return err
		}
		time.Sleep(10 * time.Microsecond)
	}
	return nil
}
