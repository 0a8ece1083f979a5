package backend

import (
	"fmt"
	"strings"

	"gitlab.com/lehn/edid"
)

const (
	edidLen            = 128
	edidDescriptorBase = 72
	edidDescriptorLen  = 18
	edidDescriptors    = 3

	edidTagSerial = 0xFF
	edidTagName   = 0xFC
)

var pnpVendors = map[string]string{
	"AAC": "AcerView",
	"ACR": "Acer",
	"AOC": "AOC",
	"AIC": "AG Neovo",
	"APP": "Apple Computer",
	"AST": "AST Research",
	"AUO": "Asus",
	"BNQ": "BenQ",
	"BOE": "BOE",
	"CMN": "Chimei Innolux",
	"CMO": "Acer",
	"CPL": "Compal",
	"CPQ": "Compaq",
	"CPT": "Chunghwa Picture Tubes, Ltd.",
	"CTX": "CTX",
	"DEC": "DEC",
	"DEL": "Dell",
	"DPC": "Delta",
	"DWE": "Daewoo",
	"EIZ": "EIZO",
	"ELS": "ELSA",
	"ENC": "EIZO",
	"EPI": "Envision",
	"FCM": "Funai",
	"FUJ": "Fujitsu",
	"FUS": "Fujitsu-Siemens",
	"GSM": "LG Electronics",
	"GWY": "Gateway 2000",
	"HEI": "Hyundai",
	"HIT": "Hyundai",
	"HSL": "Hansol",
	"HTC": "Hitachi/Nissei",
	"HWP": "HP",
	"IBM": "IBM",
	"ICL": "Fujitsu ICL",
	"IVM": "Iiyama",
	"KDS": "Korea Data Systems",
	"LEN": "Lenovo",
	"LGD": "Asus",
	"LPL": "Fujitsu",
	"MAX": "Belinea",
	"MEI": "Panasonic",
	"MEL": "Mitsubishi Electronics",
	"MS_": "Panasonic",
	"NAN": "Nanao",
	"NEC": "NEC",
	"NOK": "Nokia Display Products",
	"NVD": "Fujitsu",
	"OPT": "Optoma",
	"PHL": "Philips",
	"REL": "Relisys",
	"SAN": "Samsung",
	"SAM": "Samsung",
	"SBI": "Smarttech",
	"SGI": "SGI",
	"SNY": "Sony",
	"SRC": "Shamrock",
	"SUN": "Sun Microsystems",
	"SEC": "Hewlett-Packard",
	"TAT": "Tatung",
	"TOS": "Toshiba",
	"TSB": "Toshiba",
	"VSC": "ViewSonic",
	"ZCM": "Zenith",
	"UNK": "Unknown",
	"_YV": "Fujitsu",
}

// edidInfo is what an output reports about the attached monitor.
type edidInfo struct {
	Make   string
	Model  string
	Serial string
}

// parseEDID decodes the vendor block of a base EDID block, then lets the
// name and serial descriptors override the numeric product code and serial.
func parseEDID(data []byte) edidInfo {
	unknown := edidInfo{Make: "<Unknown>", Model: "<Unknown>", Serial: ""}
	if len(data) < edidLen {
		return unknown
	}

	e, err := edid.New(data)
	if err != nil {
		return unknown
	}

	pnp := string(e.PNPID[:])
	info := edidInfo{
		Make:   pnp,
		Model:  fmt.Sprintf("0x%04X", e.Model),
		Serial: fmt.Sprintf("0x%08X", e.Serial),
	}
	if vendor, ok := pnpVendors[pnp]; ok {
		info.Make = vendor
	}

	for i := 0; i < edidDescriptors; i++ {
		d := data[edidDescriptorBase+i*edidDescriptorLen:][:edidDescriptorLen]
		// display descriptors start with a zero pixel clock
		if d[0] != 0 || d[1] != 0 {
			continue
		}
		switch d[3] {
		case edidTagName:
			info.Model = descriptorText(d[5:])
		case edidTagSerial:
			info.Serial = descriptorText(d[5:])
		}
	}
	return info
}

func descriptorText(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, " \x00")
}
