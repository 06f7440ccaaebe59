package cloud

import (
	"bytes"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// AgentPath is where cloud-init installs the heartbeat agent.
	AgentPath = "/usr/local/bin/tera-heartbeat.sh"

	// AgentDeathTimeout is how long the agent tolerates an unreachable control plane.
	AgentDeathTimeout = 300
)

var heartbeatScript = template.Must(template.New("heartbeat").Parse(`#!/bin/bash
HEARTBEAT_ID="{{.HeartbeatID}}"
HEARTBEAT_TOKEN="{{.HeartbeatToken}}"
SERVER="{{.CallbackURL}}"

# Zombie Kill Switch: If we cannot contact the server for >300s, halt.
# Note: on container-based providers this may not power off the host.
DEATH_TIMEOUT={{.DeathTimeout}}
LAST_OK=$(date +%s)

# 2. PERFORMANCE
swapoff -a

# 3. THE PULSE
while true; do
    if curl --silent --show-error --fail --max-time 10 -X POST "$SERVER" \
        -H "Content-Type: application/json" \
        -H "X-Tera-Heartbeat-Token: $HEARTBEAT_TOKEN" \
        -d "{\"id\":\"$HEARTBEAT_ID\",\"status\":\"alive\"}"; then
        LAST_OK=$(date +%s)
    fi

    NOW=$(date +%s)
    if [ $((NOW - LAST_OK)) -gt $DEATH_TIMEOUT ]; then
        echo "[TERA] Connection lost > ${DEATH_TIMEOUT}s. Executing kill switch." >&2
        (shutdown -h now 2>/dev/null || systemctl poweroff -i 2>/dev/null || poweroff -f 2>/dev/null || halt -f 2>/dev/null) || true
        exit 1
    fi

    sleep 60
done &
`))

// HeartbeatScript renders the boot-time agent that pings callbackURL every
// minute and halts the machine after AgentDeathTimeout seconds without a
// successful ping. Failed pings are retried silently.
func HeartbeatScript(heartbeatID, heartbeatToken, callbackURL string) string {
	var buf bytes.Buffer
	// Execute cannot fail: the template is static and the data is plain strings.
	_ = heartbeatScript.Execute(&buf, struct {
		HeartbeatID    string
		HeartbeatToken string
		CallbackURL    string
		DeathTimeout   int
	}{heartbeatID, heartbeatToken, callbackURL, AgentDeathTimeout})
	return buf.String()
}

// CloudInitUserData wraps script in a #cloud-config document that installs it
// at AgentPath and runs it on first boot.
func CloudInitUserData(script string) (string, error) {
	str := func(v string) *yaml.Node {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
	}
	mapping := func(kv ...*yaml.Node) *yaml.Node {
		return &yaml.Node{Kind: yaml.MappingNode, Content: kv}
	}

	permissions := str("0755")
	permissions.Style = yaml.SingleQuotedStyle

	content := str(script)
	content.Style = yaml.LiteralStyle

	file := mapping(
		str("path"), str(AgentPath),
		str("permissions"), permissions,
		str("owner"), str("root:root"),
		str("content"), content,
	)

	command := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle, Content: []*yaml.Node{
		str("bash"), str("-lc"), str(AgentPath),
	}}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{
		mapping(
			str("write_files"), &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{file}},
			str("runcmd"), &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{command}},
		),
	}}

	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode cloud-init user data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode cloud-init user data: %w", err)
	}
	return buf.String(), nil
}
