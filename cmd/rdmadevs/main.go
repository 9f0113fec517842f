// Command rdmadevs lists the RDMA devices visible to the verbs driver and,
// optionally, the port attributes this library would use for bring-up.
package main

import (
	"fmt"
	"os"

	rdma "github.com/gipsyh/async-rdma"
	flag "github.com/spf13/pflag"
)

func main() {
	verbose := flag.BoolP("verbose", "v", false, "query and print port attributes per device")
	gidIndex := flag.Int("gid-index", rdma.DefaultGIDIndex, "GID index to query")
	flag.Parse()

	devs, err := rdma.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdmadevs: %v\n", err)
		os.Exit(1)
	}

	for _, dev := range devs {
		if !*verbose {
			fmt.Println(dev)
			continue
		}
		r, err := rdma.New(rdma.WithDevice(dev), rdma.WithGIDIndex(*gidIndex))
		if err != nil {
			fmt.Printf("%s\tunavailable: %v\n", dev, err)
			continue
		}
		ep := r.Endpoint()
		fmt.Printf("%s\tqpn=%d lid=%d gid=%s\n", dev, ep.QPNum, ep.LID, ep.GID)
		r.Close()
	}
}
