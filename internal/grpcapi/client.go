package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the agent side of AccessCheck.
type Client struct {
	cc      grpc.ClientConnInterface
	agentID string
}

func NewClient(cc grpc.ClientConnInterface, agentID string) *Client {
	return &Client{cc: cc, agentID: agentID}
}

type Verdict struct {
	Verdict  string
	Rule     string
	PolicyID string
}

type CheckReply struct {
	Verdict
	Allowed bool
	Reason  string
}

type PortReply struct {
	Port int
	CheckReply
}

func (c *Client) Resolve(ctx context.Context, userID string, port int) (Verdict, error) {
	out, err := c.invoke(ctx, resolveMethod, userID, port)
	if err != nil {
		return Verdict{}, err
	}
	return verdictFrom(out), nil
}

func (c *Client) Check(ctx context.Context, userID string, port int) (CheckReply, error) {
	out, err := c.invoke(ctx, checkMethod, userID, port)
	if err != nil {
		return CheckReply{}, err
	}
	return checkReplyFrom(out), nil
}

// CheckPorts returns one reply per port, in the order given.
func (c *Client) CheckPorts(ctx context.Context, userID string, ports []int) ([]PortReply, error) {
	list := make([]any, len(ports))
	for i, p := range ports {
		list[i] = p
	}
	out, err := c.call(ctx, checkPortsMethod, map[string]any{"user_id": userID, "ports": list})
	if err != nil {
		return nil, err
	}
	values := out.GetFields()["results"].GetListValue().GetValues()
	replies := make([]PortReply, len(values))
	for i, v := range values {
		r := v.GetStructValue()
		replies[i] = PortReply{
			Port:       int(r.GetFields()["port"].GetNumberValue()),
			CheckReply: checkReplyFrom(r),
		}
	}
	return replies, nil
}

func (c *Client) invoke(ctx context.Context, method, userID string, port int) (*structpb.Struct, error) {
	return c.call(ctx, method, map[string]any{"user_id": userID, "port": port})
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	if c.agentID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AgentIDHeader, c.agentID)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func verdictFrom(s *structpb.Struct) Verdict {
	f := s.GetFields()
	return Verdict{
		Verdict:  f["verdict"].GetStringValue(),
		Rule:     f["rule"].GetStringValue(),
		PolicyID: f["policy_id"].GetStringValue(),
	}
}

func checkReplyFrom(s *structpb.Struct) CheckReply {
	return CheckReply{
		Verdict: verdictFrom(s),
		Allowed: s.GetFields()["allowed"].GetBoolValue(),
		Reason:  s.GetFields()["reason"].GetStringValue(),
	}
}
