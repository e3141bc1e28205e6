package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	rudp "rudp-file-pa/pkg"
)

func usage() {
	fmt.Println("Usage: rudprecv <port> <output_file> [window_size]")
}

func clampWindow(w int) int {
	if w < 1 {
		return 1
	}
	if w > 65535 {
		return 65535
	}
	return w
}

func main() {
	if len(os.Args) != 3 && len(os.Args) != 4 {
		usage()
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logger.Sync()
	rudp.SetLogger(logger.Sugar())

	port, out, window, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Println(err)
		usage()
		os.Exit(1)
	}
	defer out.Close()

	if err := rudp.RunReceiver(port, out, window); err != nil {
		logger.Sugar().Errorf("receive failed: %v", err)
		os.Exit(1)
	}
}

// parseArgs validates the command line before any socket action.
func parseArgs(args []string) (uint16, *os.File, int, error) {
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, nil, 0, errors.Wrap(err, "bad port")
	}

	window := rudp.DefaultRecvWindow
	if len(args) == 3 {
		w, err := strconv.Atoi(args[2])
		if err != nil {
			return 0, nil, 0, errors.Wrap(err, "bad window_size")
		}
		window = clampWindow(w)
	}

	out, err := os.Create(args[1])
	if err != nil {
		return 0, nil, 0, errors.Wrap(err, "open output file")
	}
	return uint16(port), out, window, nil
}
