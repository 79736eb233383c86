package record

// Split extracts the sub-documents matching an element path from an XML
// payload, serialized independently. The path is a simplified XPath: only the
// last element name is matched, anywhere in the tree ("//record", "record"
// and "oai/record" all select "record" elements). An empty path returns the
// payload as a single document.
func Split(data []byte, path string) ([][]byte, error) {
	if path == "" {
		return [][]byte{data}, nil
	}
	root, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	name := lastPathElement(path)
	nodes := root.all(name)
	if root.Name == name {
		nodes = append([]*xmlNode{root}, nodes...)
	}
	out := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, []byte(n.serialize()))
	}
	return out, nil
}

// InnerText returns the trimmed text of the first element with the given
// local name, for callers that need a single field without a driver.
func InnerText(data []byte, path string) (string, error) {
	root, err := parseXML(data)
	if err != nil {
		return "", err
	}
	return root.text(lastPathElement(path)), nil
}

func lastPathElement(path string) string {
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name = path[i+1:]
			break
		}
	}
	return name
}
