//go:build !darwin

package gpuinfo

import "github.com/jaypipes/ghw"

func detectCards() ([]Card, error) {
	gpus, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	var cards []Card
	for _, card := range gpus.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		var c Card
		if card.DeviceInfo.Vendor != nil {
			c.Vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			c.Product = card.DeviceInfo.Product.Name
		}
		cards = append(cards, c)
	}
	return cards, nil
}
