package k8s_test

import (
	"context"
	"fmt"
	"time"

	"github.com/perfgo/texttest/cli/k8s"
)

func ExampleClient_GetNodes() {
	// Create a client for the current context
	client := k8s.New("")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Get the nodes labelled for the test pool
	nodes, err := client.GetNodes(ctx, "texttest/pool=true")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	for _, node := range nodes {
		fmt.Printf("Node: %s (IP: %s, type: %s, ready: %t)\n",
			node.Metadata.Name,
			node.InternalIP(),
			node.InstanceType(),
			node.Ready())
	}
}

func ExampleNew() {
	// Use current context
	client1 := k8s.New("")

	// Use specific context
	client2 := k8s.New("production")

	fmt.Printf("Client 1 - Context: %q\n", client1.Context())
	fmt.Printf("Client 2 - Context: %q\n", client2.Context())

	// Output:
	// Client 1 - Context: ""
	// Client 2 - Context: "production"
}

func ExampleNode_InternalIP() {
	node := k8s.Node{Status: k8s.NodeStatus{Addresses: []k8s.NodeAddress{
		{Type: "Hostname", Address: "ip-10-0-0-7"},
		{Type: "ExternalIP", Address: "54.1.2.3"},
		{Type: "InternalIP", Address: "10.0.0.7"},
	}}}
	fmt.Println(node.InternalIP())

	// Output:
	// 10.0.0.7
}
