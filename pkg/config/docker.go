package config

import (
	"net"
	"os"
	"strconv"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback hosts to host.docker.internal when
// running in a container, so a repository server on the host machine is
// still reachable. Other hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() || !isLoopback(host) {
		return host
	}
	return "host.docker.internal"
}

// DialAddress joins a resolved host and port for network clients.
func DialAddress(host string, port int) string {
	return net.JoinHostPort(ResolveHostForDocker(host), strconv.Itoa(port))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
