package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"rudp-file-pa/chat"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: chatserver <listen_addr>")
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := chat.NewServer(os.Args[1], logger.Sugar())
	if err != nil {
		logger.Sugar().Errorf("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Serve(); err != nil {
		logger.Sugar().Errorf("serve: %v", err)
		os.Exit(1)
	}
}
