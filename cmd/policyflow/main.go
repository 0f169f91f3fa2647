/*
This command provides an executable version of the policyflow gateway
with the default set of policies.

For the list of command line options, run:

    policyflow -help

For details about the usage and extensibility of policyflow, please see
the documentation of the root policyflow package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/policyflow/policyflow"
	"github.com/policyflow/policyflow/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	log.Fatal(policyflow.Run(cfg.ToOptions()))
}
