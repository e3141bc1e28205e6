package main

import (
	"bufio"
	"fmt"
	"os"

	"rudp-file-pa/chat"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: chatclient <server_addr> <nickname>")
		os.Exit(1)
	}

	client, err := chat.Dial(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer client.Close()

	go func() {
		for {
			msg, err := client.Recv()
			if err != nil {
				fmt.Println("disconnected")
				os.Exit(0)
			}
			switch msg.Type {
			case chat.TypeSystem:
				fmt.Printf("* %s\n", msg.Text)
			default:
				fmt.Printf("%s: %s\n", msg.From, msg.Text)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := client.Send(line); err != nil {
			fmt.Println(err)
			return
		}
	}
}
