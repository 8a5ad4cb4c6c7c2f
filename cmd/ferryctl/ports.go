package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MacJediWizard/ferry/internal/models"
)

// parsePorts parses docker-style port flags: HOST:CONTAINER[/PROTO].
func parsePorts(specs []string) ([]models.PortMapping, error) {
	ports := make([]models.PortMapping, 0, len(specs))
	for _, spec := range specs {
		p, err := parsePort(spec)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func parsePort(spec string) (models.PortMapping, error) {
	mapping, proto, hasProto := strings.Cut(spec, "/")
	if hasProto && proto != "tcp" && proto != "udp" {
		return models.PortMapping{}, fmt.Errorf("port %q: protocol must be tcp or udp", spec)
	}
	hostStr, containerStr, ok := strings.Cut(mapping, ":")
	if !ok {
		return models.PortMapping{}, fmt.Errorf("port %q: expected HOST:CONTAINER", spec)
	}
	host, err := parsePortNumber(hostStr)
	if err != nil {
		return models.PortMapping{}, fmt.Errorf("port %q: host %w", spec, err)
	}
	container, err := parsePortNumber(containerStr)
	if err != nil {
		return models.PortMapping{}, fmt.Errorf("port %q: container %w", spec, err)
	}
	if !hasProto {
		proto = "tcp"
	}
	return models.PortMapping{HostPort: host, ContainerPort: container, Protocol: proto}, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q out of range 1-65535", s)
	}
	return n, nil
}
