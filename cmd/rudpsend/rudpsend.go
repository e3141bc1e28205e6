package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	rudp "rudp-file-pa/pkg"
)

func usage() {
	fmt.Println("Usage: rudpsend <server_ip> <port> <input_file> [delay_ms] [loss_percent]")
}

func main() {
	if len(os.Args) < 4 || len(os.Args) > 6 {
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

	server, in, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Println(err)
		usage()
		os.Exit(1)
	}
	defer in.Close()

	stats, err := rudp.RunSender(server, in, rudp.DefaultRecvWindow, opts)
	if err != nil {
		logger.Sugar().Errorf("transfer failed: %v", err)
		os.Exit(1)
	}
	fmt.Print(stats.Report(rudp.DefaultRecvWindow))
}

// parseArgs validates the command line before any socket action.
func parseArgs(args []string) (*net.UDPAddr, *os.File, rudp.LinkOptions, error) {
	var opts rudp.LinkOptions

	ip := net.ParseIP(args[0])
	if ip == nil {
		return nil, nil, opts, errors.Errorf("bad server ip %q", args[0])
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return nil, nil, opts, errors.Wrap(err, "bad port")
	}

	if len(args) >= 4 {
		delay, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, nil, opts, errors.Wrap(err, "bad delay_ms")
		}
		loss := 0.0
		if len(args) == 5 {
			loss, err = strconv.ParseFloat(args[4], 64)
			if err != nil {
				return nil, nil, opts, errors.Wrap(err, "bad loss_percent")
			}
		}
		opts = rudp.NewLinkOptions(delay, loss)
	}

	in, err := os.Open(args[2])
	if err != nil {
		return nil, nil, opts, errors.Wrap(err, "open input file")
	}

	return &net.UDPAddr{IP: ip, Port: int(port)}, in, opts, nil
}
