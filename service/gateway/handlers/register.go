package handlers

import "github.com/CodesWhat/concord-sub001/service/gateway"

// Register installs the opcode handlers on s.
func Register(s *gateway.Server) {
	s.Register(NewIdentifyHandler())
	s.Register(NewHeartbeatHandler())
}
