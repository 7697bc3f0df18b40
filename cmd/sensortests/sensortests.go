package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/tigerbot-team/drmd/pkg/acquisition"
	"github.com/tigerbot-team/drmd/pkg/uvsensor"
)

func main() {
	device := flag.String("device", uvsensor.DefaultDevice, "I2C bus device")
	addr := flag.Int("addr", uvsensor.DefaultAddr, "ADC address")
	flag.Parse()

	adc, err := uvsensor.New(*device, *addr)
	if err != nil {
		fmt.Println("Failed to open ADC", err)
		return
	}
	defer adc.Close()

	var w acquisition.Window
	var failures int
	for range time.NewTicker(50 * time.Millisecond).C {
		raw, err := adc.ReadSample()
		if err != nil {
			failures++
			fmt.Printf("raw: ---- %v (failures %d)\n", err, failures)
		} else {
			fmt.Printf("raw: 0x%04x %6d\n", raw, raw)
		}
		if pct, ok := w.Sample(raw, err); ok {
			fmt.Printf("window: %.2f%%\n", pct)
		}
	}
}
