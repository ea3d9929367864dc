// Command client sends each line read from stdin to the server as a text
// message and prints the reply.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "server address")
	path := flag.String("path", "/", "request path")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(u.String(), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", u.String(), err)
	}
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			log.Fatalf("Failed to send message: %v", err)
		}

		_, reply, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("Failed to read reply: %v", err)
		}
		fmt.Println(string(reply))
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading stdin: %v", err)
	}

	err = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Printf("Failed to send close message: %v", err)
	}
}
