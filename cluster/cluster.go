// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster describes the membership of a pargraph cluster: a
// fixed set of machines, each identified by a small integer id that is
// stable for the duration of a run. Membership is static; machines do
// not join or leave while a computation is in progress.
package cluster

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
)

// ProcID identifies a single machine in the cluster. ProcIDs are
// assigned densely from 0 and double as indices into per-machine
// tables throughout pargraph.
type ProcID int

// Config describes this process's view of the cluster: its own
// identity and the addresses of every machine, indexed by ProcID.
type Config struct {
	// Self is the ProcID of this process.
	Self ProcID `json:"self"`
	// Machines holds the listen address of each machine in the
	// cluster, in ProcID order. Every machine must be configured with
	// the same list in the same order.
	Machines []string `json:"machines"`
}

// N returns the number of machines in the cluster.
func (c Config) N() int { return len(c.Machines) }

// Validate checks that the configuration is well formed.
func (c Config) Validate() error {
	if len(c.Machines) == 0 {
		return fmt.Errorf("cluster: no machines configured")
	}
	if c.Self < 0 || int(c.Self) >= len(c.Machines) {
		return fmt.Errorf("cluster: self id %d out of range [0,%d)", c.Self, len(c.Machines))
	}
	return nil
}

// LoadConfig reads a cluster configuration from the JSON file at path.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("cluster: parse %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
