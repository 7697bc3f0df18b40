package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tigerbot-team/drmd/pkg/screen"
	"github.com/tigerbot-team/drmd/pkg/status"
)

// Type a mode name to change the banner, or a number to show it as the
// latest measurement.
func main() {
	fb := flag.String("fb", "/dev/fb1", "Framebuffer device")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	board := status.NewBoard()
	board.Update(func(s *status.Snapshot) {
		s.UVLED = true
		s.PositionMM = 12.5
	})
	go screen.LoopUpdatingScreen(ctx, *fb, board)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nFailed to read stdin: ", err)
			cancel()
			time.Sleep(time.Second)
			return
		}
		line = strings.TrimSpace(line)
		if v, err := strconv.ParseFloat(line, 64); err == nil {
			board.SetMeasurement(v, time.Now())
			continue
		}
		board.SetMode(line)
	}
}
