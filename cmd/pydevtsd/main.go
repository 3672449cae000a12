// Command pydevtsd is a standalone reference daemon around a pydevts
// node: it reads its cluster configuration from flags, environment, or a
// config file, joins (or starts) a cluster, and logs every event it
// receives on the "log" topic. It exists to exercise the façade end to
// end as a small reference binary, not as a production service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
