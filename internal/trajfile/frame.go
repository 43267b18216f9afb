package trajfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AgentData is one agent's record within a frame. All fields are carried as
// 32-bit floats on the wire and on disk, including the nominally integral
// id/typeId/subpointCount fields, so a frame chunk is a homogeneous float
// buffer that clients can reinterpret directly.
type AgentData struct {
	VisType         float32
	ID              float32
	TypeID          float32
	X, Y, Z         float32
	XRot, YRot, ZRot float32
	CollisionRadius float32
	Subpoints       []float32
}

// agentFixedFields is the number of floats an agent occupies, excluding the
// variable-length subpoints which are appended separately.
const agentFixedFields = 11 // visType,id,typeId,x,y,z,xrot,yrot,zrot,radius,subpointCount

// Frame is one time-step's payload: a frame number, simulation time, and an
// ordered list of agents. Order carries no semantic meaning but must
// round-trip exactly.
type Frame struct {
	FrameNumber uint32
	TimeNs      float32
	Agents      []AgentData
}

func encodeChunk(frame Frame) ([]byte, error) {
	floatCount := 3 // frameNumber, timeNs, agentCount
	for _, agent := range frame.Agents {
		floatCount += agentFixedFields + len(agent.Subpoints)
	}
	buf := make([]byte, floatCount*4+sentinelLen)
	offset := 0
	putFloat(buf, &offset, float32(frame.FrameNumber))
	putFloat(buf, &offset, frame.TimeNs)
	putFloat(buf, &offset, float32(len(frame.Agents)))
	for _, agent := range frame.Agents {
		putFloat(buf, &offset, agent.VisType)
		putFloat(buf, &offset, agent.ID)
		putFloat(buf, &offset, agent.TypeID)
		putFloat(buf, &offset, agent.X)
		putFloat(buf, &offset, agent.Y)
		putFloat(buf, &offset, agent.Z)
		putFloat(buf, &offset, agent.XRot)
		putFloat(buf, &offset, agent.YRot)
		putFloat(buf, &offset, agent.ZRot)
		putFloat(buf, &offset, agent.CollisionRadius)
		putFloat(buf, &offset, float32(len(agent.Subpoints)))
		for _, sp := range agent.Subpoints {
			putFloat(buf, &offset, sp)
		}
	}
	copy(buf[offset:], sentinel[:])
	return buf, nil
}

// DecodeChunk parses a frame chunk previously produced by encodeChunk
// (i.e. one whole value of GetBroadcastFrame), ignoring any trailing EOF
// sentinel bytes.
func DecodeChunk(buf []byte) (Frame, error) {
	offset := 0
	frameNumber, err := getFloat(buf, &offset)
	if err != nil {
		return Frame{}, err
	}
	timeNs, err := getFloat(buf, &offset)
	if err != nil {
		return Frame{}, err
	}
	agentCount, err := getFloat(buf, &offset)
	if err != nil {
		return Frame{}, err
	}
	n := int(agentCount)
	if n < 0 {
		return Frame{}, fmt.Errorf("trajfile: negative agent count")
	}
	agents := make([]AgentData, 0, n)
	for i := 0; i < n; i++ {
		var agent AgentData
		if agent.VisType, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.ID, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.TypeID, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.X, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.Y, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.Z, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.XRot, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.YRot, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.ZRot, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		if agent.CollisionRadius, err = getFloat(buf, &offset); err != nil {
			return Frame{}, err
		}
		subpointCount, err := getFloat(buf, &offset)
		if err != nil {
			return Frame{}, err
		}
		spN := int(subpointCount)
		if spN < 0 {
			return Frame{}, fmt.Errorf("trajfile: negative subpoint count")
		}
		if spN > 0 {
			agent.Subpoints = make([]float32, spN)
			for j := 0; j < spN; j++ {
				if agent.Subpoints[j], err = getFloat(buf, &offset); err != nil {
					return Frame{}, err
				}
			}
		}
		agents = append(agents, agent)
	}
	return Frame{FrameNumber: uint32(frameNumber), TimeNs: timeNs, Agents: agents}, nil
}

func putFloat(buf []byte, offset *int, v float32) {
	binary.LittleEndian.PutUint32(buf[*offset:], math.Float32bits(v))
	*offset += 4
}

func getFloat(buf []byte, offset *int) (float32, error) {
	if *offset+4 > len(buf) {
		return 0, fmt.Errorf("trajfile: short read decoding frame chunk")
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(buf[*offset:]))
	*offset += 4
	return v, nil
}
