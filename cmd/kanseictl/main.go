// Command kanseictl is a thin client for the daemon's IPC command
// surface: reload, status, start, stop. It stands in for the control
// tool's "notify the daemon" step; enable/disable editing of the
// persisted graph file itself remains out of scope.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kansei-svc/kanseid/ipc"
)

func main() {
	socketPath := flag.String("socket", "/run/kansei/kansei.sock", "path to kanseid's IPC socket")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := ipc.NewClient(*socketPath)
	cmd := args[0]

	var resp ipc.Response
	var err error

	switch cmd {
	case "reload":
		resp, err = client.ReloadGraphRequest()
		if err != nil {
			// An unreachable daemon is reported, not treated as a fatal
			// error: there may be nothing running yet to reload.
			fmt.Fprintln(os.Stderr, "kanseid unreachable:", err)
			return
		}
	case "status":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		resp, err = client.ServiceStatusRequest(args[1])
	case "start":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		resp, err = client.StartServiceRequest(args[1])
	case "stop":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		resp, err = client.StopServiceRequest(args[1])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "kanseid unreachable:", err)
		os.Exit(1)
	}

	fmt.Println(ipc.FormatResponse(resp))
	if resp.Error != nil {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kanseictl [-socket PATH] reload|status NAME|start NAME|stop NAME")
}
