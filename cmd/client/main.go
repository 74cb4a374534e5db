// Command client runs an interactive plexus client.
//
// Usage:
//
//	client -c|-l <name> <ip> <port> <user_dir>
//	client -c|-l <name> -f <path> <user_dir>
//
// -c creates a new profile <name>, -l loads an existing one. ip/port (or
// the -f properties file) point at the default broker, normally the
// cluster leader. user_dir is the directory holding the user's profiles.
//
// Commands on stdin:
//
//	create <topic>          create a topic
//	delete <topic>          delete a topic
//	listen <topic>          start listening on a topic
//	stop <topic>            stop listening on a topic
//	post <topic> <text>     publish text to a topic
//	pull <topic>            print the posts received since the last pull
//	quit
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/tenzoki/plexus/internal/config"
	"github.com/tenzoki/plexus/internal/wire"
	"github.com/tenzoki/plexus/public/user"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s -c|-l <name> (<ip> <port> | -f <path>) <user_dir>\n", os.Args[0])
	os.Exit(2)
}

func main() {
	args := os.Args[1:]
	if len(args) != 5 {
		usage()
	}

	mode := args[0]
	if mode != "-c" && mode != "-l" {
		usage()
	}
	name := args[1]

	var ep *config.Endpoint
	var userDir string
	var err error
	if args[2] == "-f" {
		if len(args) != 5 {
			usage()
		}
		ep, err = config.LoadEndpointProperties(args[3])
		if err != nil {
			log.Printf("Reading properties: %v", err)
			os.Exit(1)
		}
		userDir = args[4]
	} else {
		if len(args) != 5 {
			usage()
		}
		port, convErr := strconv.Atoi(args[3])
		if convErr != nil {
			log.Printf("Port %q is not a number", args[3])
			os.Exit(2)
		}
		ep = &config.Endpoint{IP: args[2], Port: port}
		if err := ep.Validate(); err != nil {
			log.Printf("Bad endpoint: %v", err)
			os.Exit(2)
		}
		userDir = args[4]
	}

	if fi, err := os.Stat(userDir); err != nil || !fi.IsDir() {
		log.Printf("User directory %s does not exist", userDir)
		os.Exit(1)
	}

	u, err := user.New(user.Config{
		DefaultBroker: wire.ConnectionInfo{Address: ep.IP, Port: uint16(ep.Port)},
		ProfileRoot:   userDir,
	})
	if err != nil {
		log.Printf("Starting client: %v", err)
		os.Exit(1)
	}
	defer u.Close()

	u.AddListener(func(e user.Event) {
		if e.Success {
			fmt.Printf("[%s] %s\n", e.Tag, e.Topic)
		} else {
			fmt.Printf("[%s] %s failed: %v\n", e.Tag, e.Topic, e.Cause)
		}
	})

	if err := u.SwitchProfile(name, mode == "-c"); err != nil {
		log.Printf("Profile %s: %v", name, err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		switch fields[0] {
		case "quit":
			return
		case "create":
			if len(fields) == 2 {
				u.CreateTopic(fields[1])
			}
		case "delete":
			if len(fields) == 2 {
				u.DeleteTopic(fields[1])
			}
		case "listen":
			if len(fields) == 2 {
				u.ListenForTopic(fields[1])
			}
		case "stop":
			if len(fields) == 2 {
				u.StopListeningForTopic(fields[1])
			}
		case "post":
			if len(fields) >= 3 {
				u.Post(fields[1], "txt", []byte(strings.Join(fields[2:], " ")))
			}
		case "pull":
			if len(fields) == 2 {
				posts, err := u.Pull(fields[1])
				if err != nil {
					fmt.Printf("pull: %v\n", err)
					break
				}
				for _, p := range posts {
					fmt.Printf("%s (%d): %s\n", p.Info.PosterName, p.Info.ID, string(p.Data))
				}
			}
		default:
			fmt.Println("commands: create delete listen stop post pull quit")
		}
		fmt.Print("> ")
	}
}
