package announcer

import (
	"fmt"
	"net/netip"

	api "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
)

// Numeric operator bits shared with the RFC 8955 encoder.
const (
	opEndOfList = 0x80
	opEQ        = 0x01
)

func flowSpecFamily() *api.Family {
	return &api.Family{
		Afi:  api.Family_AFI_IP,
		Safi: api.Family_SAFI_FLOW_SPEC_UNICAST,
	}
}

// buildPath converts a canonical NLRI plus action into a GoBGP path with the
// traffic-rate extended community attached.
func buildPath(nlri *flowspec.NLRI, action core.Action) (*api.Path, error) {
	var rules []*anypb.Any

	prefixRule, err := anypb.New(&api.FlowSpecIPPrefix{
		Type:      flowspec.TypeDestinationPrefix,
		PrefixLen: uint32(nlri.DstPrefix.Bits()),
		Prefix:    nlri.DstPrefix.Addr().String(),
	})
	if err != nil {
		return nil, err
	}
	rules = append(rules, prefixRule)

	if nlri.Protocol != nil {
		protoRule, err := anypb.New(&api.FlowSpecComponent{
			Type: flowspec.TypeIPProtocol,
			Items: []*api.FlowSpecComponentItem{
				{Op: opEndOfList | opEQ, Value: uint64(*nlri.Protocol)},
			},
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, protoRule)
	}

	if len(nlri.DstPorts) > 0 {
		items := make([]*api.FlowSpecComponentItem, len(nlri.DstPorts))
		for i, port := range nlri.DstPorts {
			op := uint32(opEQ)
			if i == len(nlri.DstPorts)-1 {
				op |= opEndOfList
			}
			items[i] = &api.FlowSpecComponentItem{Op: op, Value: uint64(port)}
		}
		portRule, err := anypb.New(&api.FlowSpecComponent{
			Type:  flowspec.TypeDestinationPort,
			Items: items,
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, portRule)
	}

	nlriAny, err := anypb.New(&api.FlowSpecNLRI{Rules: rules})
	if err != nil {
		return nil, err
	}

	origin, err := anypb.New(&api.OriginAttribute{Origin: 0})
	if err != nil {
		return nil, err
	}

	var rate float32
	if action.Type == core.ActionPolice {
		rate = float32(action.RateBPS)
	}
	trafficRate, err := anypb.New(&api.TrafficRateExtended{Asn: 0, Rate: rate})
	if err != nil {
		return nil, err
	}
	extCommunities, err := anypb.New(&api.ExtendedCommunitiesAttribute{
		Communities: []*anypb.Any{trafficRate},
	})
	if err != nil {
		return nil, err
	}

	return &api.Path{
		Family: flowSpecFamily(),
		Nlri:   nlriAny,
		Pattrs: []*anypb.Any{origin, extCommunities},
	}, nil
}

// pathToEntry converts a speaker-reported path back into a canonical NLRI
// hash plus action, for desired-vs-actual comparison.
func pathToEntry(p *api.Path) (PathEntry, error) {
	var fs api.FlowSpecNLRI
	if err := p.GetNlri().UnmarshalTo(&fs); err != nil {
		return PathEntry{}, fmt.Errorf("unmarshal flowspec nlri: %w", err)
	}

	nlri := &flowspec.NLRI{}
	for _, rule := range fs.Rules {
		var prefix api.FlowSpecIPPrefix
		if rule.MessageIs(&prefix) {
			if err := rule.UnmarshalTo(&prefix); err != nil {
				return PathEntry{}, err
			}
			addr, err := netip.ParseAddr(prefix.Prefix)
			if err != nil {
				return PathEntry{}, fmt.Errorf("bad prefix %q: %w", prefix.Prefix, err)
			}
			nlri.DstPrefix = netip.PrefixFrom(addr, int(prefix.PrefixLen))
			continue
		}

		var comp api.FlowSpecComponent
		if rule.MessageIs(&comp) {
			if err := rule.UnmarshalTo(&comp); err != nil {
				return PathEntry{}, err
			}
			switch comp.Type {
			case flowspec.TypeIPProtocol:
				if len(comp.Items) > 0 {
					proto := uint8(comp.Items[0].Value)
					nlri.Protocol = &proto
				}
			case flowspec.TypeDestinationPort:
				for _, item := range comp.Items {
					nlri.DstPorts = append(nlri.DstPorts, uint16(item.Value))
				}
			}
		}
	}
	nlri.DstPorts = core.NormalizePorts(nlri.DstPorts)

	hash, err := nlri.Hash()
	if err != nil {
		return PathEntry{}, err
	}

	action := core.Action{Type: core.ActionDiscard}
	for _, attr := range p.GetPattrs() {
		var ext api.ExtendedCommunitiesAttribute
		if !attr.MessageIs(&ext) {
			continue
		}
		if err := attr.UnmarshalTo(&ext); err != nil {
			continue
		}
		for _, comm := range ext.Communities {
			var tr api.TrafficRateExtended
			if comm.MessageIs(&tr) {
				if err := comm.UnmarshalTo(&tr); err == nil && tr.Rate > 0 {
					action = core.Action{Type: core.ActionPolice, RateBPS: uint64(tr.Rate)}
				}
			}
		}
	}
	return PathEntry{NLRIHash: hash, Action: action, NLRI: nlri}, nil
}
