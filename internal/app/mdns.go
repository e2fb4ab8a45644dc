package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_smarthome._tcp"
	mdnsDomain      = "local."
	mdnsMaxLabel    = 63
)

// startMDNS advertises the HTTP API so devices on the LAN can find the
// backend without a fixed address.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "smarthome"
	}

	instance := mdnsInstanceName(fmt.Sprintf("Smart Home Backend (%s)", hostname))

	mqttEnabled := "0"
	if a.cfg.MQTT.Broker != "" {
		mqttEnabled = "1"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"sensor_path=/sensor",
		"command_path=/command",
		"mqtt=" + mqttEnabled,
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// mdnsInstanceName strips characters that break DNS-SD instance labels.
func mdnsInstanceName(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "Smart Home Backend"
	}
	if runes := []rune(cleaned); len(runes) > mdnsMaxLabel {
		cleaned = string(runes[:mdnsMaxLabel])
	}
	return cleaned
}
