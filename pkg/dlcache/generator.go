package dlcache

import (
	log "github.com/sirupsen/logrus"
)

// generatorString decodes a TAG_GENERATOR section payload, the free
// form string recorded by the tool that built the cache, e.g.
// "ldconfig (GNU libc) stable release version 2.36".
func generatorString(section extensionSection, data []byte) string {
	payload, err := section.payload(data)
	if err != nil {
		log.Errorf("failed to retrieve generator value: %v", err)
		return ""
	}
	return string(payload)
}

// Generator returns the generator string from cache data, if the cache
// is recent enough to possess extensions. The empty string is returned
// otherwise.
func Generator(data []byte) string {
	format, offset := DetectFormat(data)
	if format != FormatNew {
		log.Debug("failed to retrieve generator: no extensions in cache")
		return ""
	}
	data = data[offset:]

	var hdr headerNew
	if err := decodeAt(data, 0, &hdr); err != nil {
		log.Debugf("failed to retrieve generator: %v", err)
		return ""
	}
	if hdr.ExtensionOffset == 0 {
		log.Debug("failed to retrieve generator: no extensions in cache")
		return ""
	}

	sections, err := extensionSections(data, int(hdr.ExtensionOffset))
	if err != nil {
		log.Debugf("failed to retrieve generator: %v", err)
		return ""
	}

	for _, section := range sections {
		if section.Tag == TagGenerator {
			return generatorString(section, data)
		}
	}
	return ""
}
