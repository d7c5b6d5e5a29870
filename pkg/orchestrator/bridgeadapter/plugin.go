// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridgeadapter

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Handshake is the go-plugin handshake both the host and a terminal-adapter
// plugin binary must agree on, mirroring pkg/plugins/grpc's handshake
// pattern for other plugin kinds.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "HECTOR_BRIDGE_ADAPTER_PLUGIN",
	MagicCookieValue: "hector_bridge_adapter_v1",
}

const pluginName = "adapter"

// PluginMap is the go-plugin plugin set exposed by both client and server.
var PluginMap = map[string]plugin.Plugin{
	pluginName: &rpcPlugin{},
}

// rpcPlugin implements plugin.Plugin over net/rpc: no protobuf/gRPC codegen
// is needed since Adapter's operations are simple value-in/value-out calls.
type rpcPlugin struct {
	Impl Adapter
}

func (p *rpcPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *rpcPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// ServePlugin is called by a standalone adapter binary's main() to serve an
// Adapter implementation over the go-plugin protocol.
func ServePlugin(impl Adapter) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			pluginName: &rpcPlugin{Impl: impl},
		},
	})
}

// --- RPC wire types -----------------------------------------------------

type sessionArgs struct{ Session string }
type sendCommandArgs struct{ Session, Line string }
type boolReply struct{ Value bool }
type stringReply struct{ Value string }

// rpcServer adapts an in-process Adapter to net/rpc method signatures.
type rpcServer struct{ impl Adapter }

func (s *rpcServer) SessionExists(args sessionArgs, reply *boolReply) error {
	ok, err := s.impl.SessionExists(context.Background(), args.Session)
	reply.Value = ok
	return err
}

func (s *rpcServer) CreateSession(args sessionArgs, reply *struct{}) error {
	return s.impl.CreateSession(context.Background(), args.Session)
}

func (s *rpcServer) KillSession(args sessionArgs, reply *struct{}) error {
	return s.impl.KillSession(context.Background(), args.Session)
}

func (s *rpcServer) SendCommand(args sendCommandArgs, reply *struct{}) error {
	return s.impl.SendCommand(context.Background(), args.Session, args.Line)
}

func (s *rpcServer) CapturePane(args sessionArgs, reply *stringReply) error {
	out, err := s.impl.CapturePane(context.Background(), args.Session)
	reply.Value = out
	return err
}

// rpcClient adapts a net/rpc connection back to the Adapter interface; it
// is what rpcPlugin.Client builds and Load returns to bridge code after
// loading an external binary.
type rpcClient struct{ client *rpc.Client }

func (c *rpcClient) SessionExists(ctx context.Context, session string) (bool, error) {
	var reply boolReply
	err := c.client.Call(pluginName+".SessionExists", sessionArgs{Session: session}, &reply)
	return reply.Value, err
}

func (c *rpcClient) CreateSession(ctx context.Context, session string) error {
	return c.client.Call(pluginName+".CreateSession", sessionArgs{Session: session}, &struct{}{})
}

func (c *rpcClient) KillSession(ctx context.Context, session string) error {
	return c.client.Call(pluginName+".KillSession", sessionArgs{Session: session}, &struct{}{})
}

func (c *rpcClient) SendCommand(ctx context.Context, session, line string) error {
	return c.client.Call(pluginName+".SendCommand", sendCommandArgs{Session: session, Line: line}, &struct{}{})
}

func (c *rpcClient) CapturePane(ctx context.Context, session string) (string, error) {
	var reply stringReply
	err := c.client.Call(pluginName+".CapturePane", sessionArgs{Session: session}, &reply)
	return reply.Value, err
}

// Load launches the adapter plugin binary at path and returns a client
// adapter plus a cleanup func that terminates the child process.
func Load(path string) (Adapter, func(), error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "hector-bridge-adapter",
			Level: hclog.Info,
		}),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("bridgeadapter: start plugin client: %w", err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("bridgeadapter: dispense plugin: %w", err)
	}

	adapter, ok := raw.(Adapter)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("bridgeadapter: plugin does not implement Adapter")
	}

	return adapter, client.Kill, nil
}
