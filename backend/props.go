package backend

import (
	"github.com/pkg/errors"

	"github.com/NeowayLabs/drmbackend/mode"
)

// Property ids of KMS objects. A zero id means the driver does not
// expose the property.
type (
	connectorProps struct {
		CrtcID     uint32
		DPMS       uint32
		EDID       uint32
		Path       uint32
		LinkStatus uint32
	}

	crtcProps struct {
		Active       uint32
		GammaLUT     uint32
		GammaLUTSize uint32
		ModeID       uint32
		Rotation     uint32
		ScalingMode  uint32
	}

	planeProps struct {
		Type      uint32
		Rotation  uint32
		InFormats uint32

		SrcX, SrcY, SrcW, SrcH     uint32
		CrtcX, CrtcY, CrtcW, CrtcH uint32
		FbID                       uint32
		CrtcID                     uint32
	}
)

func getConnectorProps(dev Device, id uint32) (connectorProps, error) {
	var p connectorProps
	err := scanProps(dev, id, mode.ObjectConnector, map[string]*uint32{
		"CRTC_ID":     &p.CrtcID,
		"DPMS":        &p.DPMS,
		"EDID":        &p.EDID,
		"PATH":        &p.Path,
		"link-status": &p.LinkStatus,
	})
	return p, err
}

func getCrtcProps(dev Device, id uint32) (crtcProps, error) {
	var p crtcProps
	err := scanProps(dev, id, mode.ObjectCrtc, map[string]*uint32{
		"ACTIVE":         &p.Active,
		"GAMMA_LUT":      &p.GammaLUT,
		"GAMMA_LUT_SIZE": &p.GammaLUTSize,
		"MODE_ID":        &p.ModeID,
		"rotation":       &p.Rotation,
		"scaling mode":   &p.ScalingMode,
	})
	return p, err
}

func getPlaneProps(dev Device, id uint32) (planeProps, error) {
	var p planeProps
	err := scanProps(dev, id, mode.ObjectPlane, map[string]*uint32{
		"CRTC_H":     &p.CrtcH,
		"CRTC_ID":    &p.CrtcID,
		"CRTC_W":     &p.CrtcW,
		"CRTC_X":     &p.CrtcX,
		"CRTC_Y":     &p.CrtcY,
		"FB_ID":      &p.FbID,
		"IN_FORMATS": &p.InFormats,
		"SRC_H":      &p.SrcH,
		"SRC_W":      &p.SrcW,
		"SRC_X":      &p.SrcX,
		"SRC_Y":      &p.SrcY,
		"rotation":   &p.Rotation,
		"type":       &p.Type,
	})
	return p, err
}

// scanProps resolves the names in table to the property ids of an
// object. Unknown properties are ignored, and so are properties whose
// metadata cannot be read.
func scanProps(dev Device, objID, objType uint32, table map[string]*uint32) error {
	props, err := dev.ObjectGetProperties(objID, objType)
	if err != nil {
		return errors.Wrapf(err, "Failed to get properties of object %d", objID)
	}
	for _, id := range props.Props {
		prop, err := dev.GetProperty(id)
		if err != nil {
			continue
		}
		if dst, ok := table[prop.Name]; ok {
			*dst = prop.ID
		}
	}
	return nil
}

// getProp reads the current value of a property of an object.
func getProp(dev Device, objID, objType, propID uint32) (uint64, error) {
	if propID == 0 {
		return 0, errors.New("property not supported")
	}
	props, err := dev.ObjectGetProperties(objID, objType)
	if err != nil {
		return 0, err
	}
	val, ok := props.Value(propID)
	if !ok {
		return 0, errors.Errorf("object %d has no property %d", objID, propID)
	}
	return val, nil
}

// getPropBlob reads the blob referenced by a blob property. An unset
// blob reads as nil.
func getPropBlob(dev Device, objID, objType, propID uint32) ([]byte, error) {
	blobID, err := getProp(dev, objID, objType, propID)
	if err != nil {
		return nil, err
	}
	if blobID == 0 {
		return nil, nil
	}
	return dev.GetPropertyBlob(uint32(blobID))
}
