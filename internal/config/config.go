// Package config loads the environment-variable-driven process
// configuration into a typed struct once at startup, the same split the
// teacher keeps between daemon config and CLI flags.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SystemFunc selects which role this process plays.
type SystemFunc string

const (
	RoleScheduler  SystemFunc = "scheduler"
	RoleExecutor   SystemFunc = "executor"
	RoleBenchmark  SystemFunc = "benchmark"
	RoleClusterMgr SystemFunc = "clustermgr"
)

// Config holds every environment-derived setting a process needs.
type Config struct {
	MgmtIP     string
	MyIP       string
	RouteAddr  string
	SchedIPs   []string
	SystemFunc SystemFunc
	ThreadID   int

	// Go-idiomatic additions beyond the original's env surface.
	PinReplication    int
	AutoscaleInterval int // seconds
	GossipInterval    int // seconds
}

// FromEnv reads the process configuration from the environment, applying
// the defaults spec §6/§4 name where a variable is unset.
func FromEnv() (*Config, error) {
	c := &Config{
		MgmtIP:            os.Getenv("MGMT_IP"),
		MyIP:              os.Getenv("MY_IP"),
		RouteAddr:         os.Getenv("ROUTE_ADDR"),
		SystemFunc:        SystemFunc(os.Getenv("SYSTEM_FUNC")),
		PinReplication:    15,
		AutoscaleInterval: 15,
		GossipInterval:    5,
	}

	if c.MyIP == "" {
		return nil, errors.New("MY_IP must be set")
	}

	if raw := os.Getenv("SCHED_IPS"); raw != "" {
		c.SchedIPs = strings.Fields(raw)
	}

	if raw := os.Getenv("THREAD_ID"); raw != "" {
		tid, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse THREAD_ID")
		}
		c.ThreadID = tid
	}

	if raw := os.Getenv("PIN_REPLICATION"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse PIN_REPLICATION")
		}
		c.PinReplication = n
	}

	if raw := os.Getenv("AUTOSCALE_INTERVAL"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse AUTOSCALE_INTERVAL")
		}
		c.AutoscaleInterval = n
	}

	return c, nil
}
