package k8s

// Package k8s discovers the nodes of a Kubernetes cluster through kubectl
// and records ownership of them in node annotations.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Client manages kubectl commands for a specific Kubernetes context.
type Client struct {
	kubeContext string
	kubectl     string
}

// Option configures a Client.
type Option func(*Client)

// WithKubectl replaces the kubectl program.
func WithKubectl(path string) Option {
	return func(c *Client) {
		c.kubectl = path
	}
}

// Node represents a Kubernetes node.
type Node struct {
	Metadata NodeMetadata `json:"metadata"`
	Status   NodeStatus   `json:"status"`
}

// NodeMetadata contains node metadata.
type NodeMetadata struct {
	Name              string            `json:"name"`
	CreationTimestamp time.Time         `json:"creationTimestamp"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
}

// NodeStatus contains node status information.
type NodeStatus struct {
	Conditions []NodeCondition `json:"conditions,omitempty"`
	Addresses  []NodeAddress   `json:"addresses,omitempty"`
	NodeInfo   NodeInfo        `json:"nodeInfo"`
}

// NodeCondition represents a condition of the node.
type NodeCondition struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// NodeAddress is one address the node is reachable at.
type NodeAddress struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// NodeInfo contains node system information.
type NodeInfo struct {
	KubeletVersion          string `json:"kubeletVersion"`
	OSImage                 string `json:"osImage"`
	OperatingSystem         string `json:"operatingSystem"`
	Architecture            string `json:"architecture"`
	ContainerRuntimeVersion string `json:"containerRuntimeVersion"`
}

// NodeList represents a list of nodes.
type NodeList struct {
	Items []Node `json:"items"`
}

// Instance type labels, current first.
var instanceTypeLabels = []string{
	"node.kubernetes.io/instance-type",
	"beta.kubernetes.io/instance-type",
}

// InternalIP returns the node's internal address, falling back to its
// external one.
func (n Node) InternalIP() string {
	external := ""
	for _, a := range n.Status.Addresses {
		switch a.Type {
		case "InternalIP":
			return a.Address
		case "ExternalIP":
			external = a.Address
		}
	}
	return external
}

// Ready reports whether the node's Ready condition is true.
func (n Node) Ready() bool {
	for _, c := range n.Status.Conditions {
		if c.Type == "Ready" {
			return c.Status == "True"
		}
	}
	return false
}

// InstanceType returns the node's instance type label, empty if unset.
func (n Node) InstanceType() string {
	for _, l := range instanceTypeLabels {
		if v, ok := n.Metadata.Labels[l]; ok {
			return v
		}
	}
	return ""
}

// New creates a new Kubernetes client for the specified context.
// If kubeContext is empty, the current context will be used.
func New(kubeContext string, opts ...Option) *Client {
	c := &Client{
		kubeContext: kubeContext,
		kubectl:     "kubectl",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetNodes retrieves the nodes matching selector, all nodes when it is
// empty.
func (c *Client) GetNodes(ctx context.Context, selector string) ([]Node, error) {
	args := []string{"get", "nodes", "-o", "json"}
	if selector != "" {
		args = append(args, "-l", selector)
	}

	output, err := c.runKubectl(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}

	var nodeList NodeList
	if err := json.Unmarshal([]byte(output), &nodeList); err != nil {
		return nil, fmt.Errorf("failed to parse nodes response: %w", err)
	}

	return nodeList.Items, nil
}

// Annotate sets annotation key on node. Without overwrite kubectl refuses
// to replace an existing value, which makes the write a claim.
func (c *Client) Annotate(ctx context.Context, node, key, value string, overwrite bool) error {
	args := []string{"annotate", "node", node, key + "=" + value}
	if overwrite {
		args = append(args, "--overwrite")
	}
	if _, err := c.runKubectl(ctx, args...); err != nil {
		return fmt.Errorf("failed to annotate node %s: %w", node, err)
	}
	return nil
}

// RemoveAnnotation deletes annotation key from node.
func (c *Client) RemoveAnnotation(ctx context.Context, node, key string) error {
	if _, err := c.runKubectl(ctx, "annotate", "node", node, key+"-"); err != nil {
		return fmt.Errorf("failed to remove annotation from node %s: %w", node, err)
	}
	return nil
}

// Context returns the Kubernetes context this client is configured for.
func (c *Client) Context() string {
	return c.kubeContext
}

// runKubectl executes a kubectl command with the given arguments.
func (c *Client) runKubectl(ctx context.Context, args ...string) (string, error) {
	if c.kubeContext != "" {
		args = append([]string{"--context", c.kubeContext}, args...)
	}
	cmd := exec.CommandContext(ctx, c.kubectl, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("kubectl command failed: %w (stderr: %s)", err, stderr.String())
	}

	return stdout.String(), nil
}
