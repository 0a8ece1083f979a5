package mode

import (
	"fmt"
	"strconv"
)

// Connector types (DRM_MODE_CONNECTOR_*)
const (
	ConnectorUnknown = iota
	ConnectorVGA
	ConnectorDVII
	ConnectorDVID
	ConnectorDVIA
	ConnectorComposite
	ConnectorSVIDEO
	ConnectorLVDS
	ConnectorComponent
	Connector9PinDIN
	ConnectorDisplayPort
	ConnectorHDMIA
	ConnectorHDMIB
	ConnectorTV
	ConnectorEDP
	ConnectorVirtual
	ConnectorDSI
	ConnectorDPI
	ConnectorWriteback
)

var connectorNames = [...]string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorComposite:   "Composite",
	ConnectorSVIDEO:      "SVIDEO",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorTV:          "TV",
	ConnectorEDP:         "eDP",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
}

// ConnectorTypeName returns the kernel name of a connector type.
func ConnectorTypeName(typ uint32) string {
	if int(typ) < len(connectorNames) {
		return connectorNames[typ]
	}
	return "Unknown" + strconv.Itoa(int(typ))
}

// Name returns the conventional output name, e.g. "HDMI-A-1".
func (c *Connector) Name() string {
	return fmt.Sprintf("%s-%d", ConnectorTypeName(c.Type), c.TypeID)
}

// EncoderSource is anything able to look up encoders by id.
type EncoderSource interface {
	GetEncoder(id uint32) (*Encoder, error)
}

// PossibleCrtcs returns the bitmask of CRTC indices (into Resources.Crtcs)
// any of the connector encoders can drive.
func PossibleCrtcs(src EncoderSource, conn *Connector) (uint32, error) {
	var possible uint32
	for _, id := range conn.Encoders {
		enc, err := src.GetEncoder(id)
		if err != nil {
			return 0, fmt.Errorf("Cannot retrieve encoder %d: %s", id, err.Error())
		}
		possible |= enc.PossibleCrtcs
	}
	return possible, nil
}

// CurrentCrtc returns the id of the CRTC the connector is currently
// driven by, or 0.
func CurrentCrtc(src EncoderSource, conn *Connector) (uint32, error) {
	if conn.EncoderID == 0 {
		return 0, nil
	}
	enc, err := src.GetEncoder(conn.EncoderID)
	if err != nil {
		return 0, fmt.Errorf("Cannot retrieve encoder %d: %s", conn.EncoderID, err.Error())
	}
	return enc.CrtcID, nil
}
