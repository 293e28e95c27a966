package slotrouter

import "errors"

var (
	// ErrNoSlots is returned when a slot has no replica set in the cached
	// mapping. A refresh is triggered before it is returned, so a later retry
	// by the caller usually succeeds.
	ErrNoSlots = errors.New("no slots information present")

	// ErrEmptyReplicaSet is returned when a node is picked from an empty replica set
	ErrEmptyReplicaSet = errors.New("serv_list is empty")

	// ErrNestedAsk is returned when a node reached through an ASK redirection
	// replies with another ASK
	ErrNestedAsk = errors.New("nested asking redirection")

	// ErrClusterDown is returned when any reply carries the CLUSTERDOWN prefix
	ErrClusterDown = errors.New("cluster is down")

	// ErrMaxRedirections is returned when the redirection budget is exhausted
	ErrMaxRedirections = errors.New("reached maximum redirection attempts")

	// ErrUnsupportedCommand is returned for commands that cannot be routed in
	// a cluster, without contacting any node
	ErrUnsupportedCommand = errors.New("command not supported")

	// ErrPipelineEmpty is returned by CommitPipeline when nothing was queued
	ErrPipelineEmpty = errors.New("no command in pipeline")

	// ErrRefreshRace is returned when another refresh of the same cluster is
	// already in flight. Callers can treat it as success.
	ErrRefreshRace = errors.New("slot refresh already in progress")

	// ErrAuthFailed is returned when the AUTH handshake is rejected. It is
	// never retried against other hosts: a bad secret is not transient.
	ErrAuthFailed = errors.New("authentication failed")
)
